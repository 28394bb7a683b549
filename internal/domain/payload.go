package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is the typed field set of one artifact snapshot. The set of
// implementations is closed: one struct per ArtifactType plus Document.
type Payload interface {
	ArtifactType() ArtifactType
	DisplayName() string
}

type Application struct {
	Name                  string  `json:"name"`
	AMLNumber             string  `json:"aml_number"`
	Description           string  `json:"description"`
	Status                string  `json:"status"`
	Purpose               string  `json:"purpose"`
	Deployment            string  `json:"deployment"`
	Uptime                float64 `json:"uptime"`
	Team                  string  `json:"team"`
	TMFDomain             string  `json:"tmf_domain"`
	ProvidesExtInterface  bool    `json:"provides_ext_interface"`
	ConsumesExtInterfaces bool    `json:"consumes_ext_interfaces"`
	DecommissionDate      string  `json:"decommission_date"`
}

func (Application) ArtifactType() ArtifactType { return TypeApplication }
func (a Application) DisplayName() string     { return a.Name }

type Interface struct {
	IMLNumber             string `json:"iml_number"`
	Description           string `json:"description"`
	ProviderApplicationID string `json:"provider_application_id"`
	ConsumerApplicationID string `json:"consumer_application_id"`
	InterfaceType         string `json:"interface_type"`
	Middleware            string `json:"middleware"`
	Status                string `json:"status"`
	Version               string `json:"version"`
	Protocol              string `json:"protocol"`
	DataFlow              string `json:"data_flow"`
	Frequency             string `json:"frequency"`
	SampleCode            string `json:"sample_code"`
}

func (Interface) ArtifactType() ArtifactType { return TypeInterface }
func (i Interface) DisplayName() string     { return i.IMLNumber }

type BusinessProcess struct {
	ProcessID        string `json:"process_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Status           string `json:"status"`
	ProcessType      string `json:"process_type"`
	BusinessFunction string `json:"business_function"`
	StartEvent       string `json:"start_event"`
	EndEvent         string `json:"end_event"`
	Documentation    string `json:"documentation"`
}

func (BusinessProcess) ArtifactType() ArtifactType { return TypeBusinessProcess }
func (b BusinessProcess) DisplayName() string     { return b.Name }

type TechnicalProcess struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	Technology     string `json:"technology"`
	Implementation string `json:"implementation"`
	ApplicationID  string `json:"application_id"`
}

func (TechnicalProcess) ArtifactType() ArtifactType { return TypeTechnicalProcess }
func (t TechnicalProcess) DisplayName() string     { return t.Name }

type InternalActivity struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	Department    string `json:"department"`
	ProcessFlow   string `json:"process_flow"`
	ApplicationID string `json:"application_id"`
}

func (InternalActivity) ArtifactType() ArtifactType { return TypeInternalActivity }
func (a InternalActivity) DisplayName() string     { return a.Name }

// Document is the untyped fallback used for display-only records.
type Document map[string]any

func (Document) ArtifactType() ArtifactType { return TypeDocument }

func (d Document) DisplayName() string {
	for _, k := range []string{"name", "title"} {
		if v, ok := d[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// UnknownFieldError reports a field that the artifact kind does not declare.
type UnknownFieldError struct {
	Type  ArtifactType
	Field string
}

func (e UnknownFieldError) Error() string {
	return fmt.Sprintf("field %s is not declared for %s", e.Field, e.Type)
}

func emptyPayload(t ArtifactType) (Payload, error) {
	switch t {
	case TypeApplication:
		return &Application{}, nil
	case TypeInterface:
		return &Interface{}, nil
	case TypeBusinessProcess:
		return &BusinessProcess{}, nil
	case TypeTechnicalProcess:
		return &TechnicalProcess{}, nil
	case TypeInternalActivity:
		return &InternalActivity{}, nil
	case TypeDocument:
		return Document{}, nil
	}
	return nil, fmt.Errorf("invalid artifact type %q", t)
}

// DecodePayload parses a stored or submitted snapshot. Typed variants reject
// fields they do not declare.
func DecodePayload(t ArtifactType, data []byte) (Payload, error) {
	p, err := emptyPayload(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return deref(p), nil
	}
	if t == TypeDocument {
		doc := Document{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid %s data: %w", t, err)
		}
		return doc, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid %s data: %w", t, err)
	}
	declared := declaredSet(t)
	for k := range raw {
		if _, ok := declared[k]; !ok {
			return nil, UnknownFieldError{Type: t, Field: k}
		}
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("invalid %s data: %w", t, err)
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Application:
		return *v
	case *Interface:
		return *v
	case *BusinessProcess:
		return *v
	case *TechnicalProcess:
		return *v
	case *InternalActivity:
		return *v
	}
	return p
}

// Fields returns the declared field values keyed by JSON name.
func Fields(p Payload) map[string]any {
	out := map[string]any{}
	if p == nil {
		return out
	}
	b, err := json.Marshal(p)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

// DeclaredFields lists the field names of a typed variant in sorted order.
// Document declares none.
func DeclaredFields(t ArtifactType) []string {
	set := declaredSet(t)
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func declaredSet(t ArtifactType) map[string]struct{} {
	set := map[string]struct{}{}
	if t == TypeDocument {
		return set
	}
	p, err := emptyPayload(t)
	if err != nil {
		return set
	}
	for k := range Fields(p) {
		set[k] = struct{}{}
	}
	return set
}

// ApplyPatch overlays top-level field values onto a snapshot.
func ApplyPatch(p Payload, patch map[string]any) (Payload, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	t := p.ArtifactType()
	fields := Fields(p)
	if t != TypeDocument {
		declared := declaredSet(t)
		for k := range patch {
			if _, ok := declared[k]; !ok {
				return nil, UnknownFieldError{Type: t, Field: k}
			}
		}
	}
	for k, v := range patch {
		fields[k] = v
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return DecodePayload(t, b)
}

// Encode renders a payload in its canonical stored form.
func Encode(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
