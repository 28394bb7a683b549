package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"artline/internal/config"
	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
	"artline/internal/registry"
	"artline/internal/repo"
)

// Engine is the artifact version-control core. Every mutating call runs in a
// single immediate transaction; the database write lock is the serialization
// point between concurrent callers.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Auth     auth.Service
	Registry registry.Registry
	Log      logrus.FieldLogger
	Now      func() time.Time
}

// New wires an engine over db. A nil registry uses the built-in SQL registry.
func New(db *sql.DB, cfg *config.Config, reg registry.Registry) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if reg == nil {
		reg = registry.SQL{DB: db}
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Auth:     auth.NewService(db, cfg),
		Registry: reg,
		Log:      logrus.StandardLogger(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func newID() string {
	return uuid.NewString()
}

// initiativeResource loads the initiative as an auth resource.
func (e Engine) initiativeResource(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, auth.Resource, error) {
	in, err := e.Repo.GetInitiative(ctx, tx, id)
	if err != nil {
		return in, auth.Resource{}, err
	}
	return in, auth.Resource{Kind: "initiative", ID: in.ID, CreatedBy: in.CreatedBy}, nil
}

func artifactResource(ref domain.ArtifactRef, in domain.Initiative) auth.Resource {
	return auth.Resource{Kind: "artifact", ID: ref.String(), CreatedBy: in.CreatedBy}
}

// requireActiveInitiative loads an initiative that can still stage edits.
func (e Engine) requireActiveInitiative(ctx context.Context, tx *sql.Tx, id, operation string) (domain.Initiative, error) {
	if id == "" {
		return domain.Initiative{}, ValidationError{Field: "initiative_id", Message: "required"}
	}
	in, err := e.Repo.GetInitiative(ctx, tx, id)
	if err != nil {
		return in, err
	}
	if in.Status != domain.InitiativeActive {
		return in, InvalidStateTransitionError{InitiativeID: in.ID, From: in.Status, Operation: operation}
	}
	return in, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
