// Package buildbot handles the Buildbot side of the controller: parsing
// HTTP status-push packets, correlating them with tracked pull requests,
// and submitting try jobs.
package buildbot

import (
	"encoding/json"
	"fmt"

	"github.com/crosswalk-project/trybot-controller/pkg/store"
)

// Buildbot event kinds the correlator reacts to.
const (
	EventBuildStarted     = "buildStarted"
	EventBuildFinished    = "buildFinished"
	EventBuildsetFinished = "buildsetFinished"
)

// Buildbot result codes: 0=Success, 1=Warnings, 2=Failure, 3=Skipped,
// 4=Exception, 5=Retry. Everything below the threshold counts as success.
const resultFailureThreshold = 2

// Packet is one entry of a Buildbot HTTP status-push batch.
type Packet struct {
	Event   string   `json:"event"`
	Payload *Payload `json:"payload"`
}

// Payload wraps the build object inside a packet.
type Payload struct {
	Build *Build `json:"build"`
}

// Build carries the builder identity, run number, optional result code,
// and the property triples of one build.
type Build struct {
	BuilderName string     `json:"builderName"`
	Number      int        `json:"number"`
	Results     *int       `json:"results"`
	Properties  []Property `json:"properties"`
}

// Property is a Buildbot (name, value, source) triple.
type Property struct {
	Name   string
	Value  any
	Source string
}

// UnmarshalJSON decodes the wire form of a property, a JSON array of at
// least two elements whose first element is the property name.
func (p *Property) UnmarshalJSON(data []byte) error {
	var triple []any
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("decoding property: %w", err)
	}

	if len(triple) < 2 {
		return fmt.Errorf("property with %d elements", len(triple))
	}

	name, ok := triple[0].(string)
	if !ok {
		return fmt.Errorf("property name is not a string")
	}

	p.Name = name
	p.Value = triple[1]

	if len(triple) > 2 {
		if source, ok := triple[2].(string); ok {
			p.Source = source
		}
	}

	return nil
}

// ParsePackets decodes a status-push batch.
func ParsePackets(data []byte) ([]Packet, error) {
	var packets []Packet
	if err := json.Unmarshal(data, &packets); err != nil {
		return nil, fmt.Errorf("decoding packets: %w", err)
	}

	return packets, nil
}

// Validate checks the packet's structure and returns its build object.
func (p *Packet) Validate() (*Build, error) {
	if p.Event == "" {
		return nil, fmt.Errorf("packet without an \"event\" field")
	}

	if p.Payload == nil {
		return nil, fmt.Errorf("packet without a \"payload\" field")
	}

	if p.Payload.Build == nil {
		return nil, fmt.Errorf("packet without a \"build\" field")
	}

	if p.Payload.Build.Properties == nil {
		return nil, fmt.Errorf("packet without a \"properties\" field")
	}

	return p.Payload.Build, nil
}

// Property returns the value of a named build property.
func (b *Build) Property(name string) (any, bool) {
	for i := range b.Properties {
		if b.Properties[i].Name == name {
			return b.Properties[i].Value, true
		}
	}

	return nil, false
}

// IssueID extracts the correlation token embedded in the "issue"
// property: the primary key of the tracked pull request the build was
// submitted for.
func (b *Build) IssueID() (uint, error) {
	value, ok := b.Property("issue")
	if !ok {
		return 0, fmt.Errorf("packet without an \"issue\" property")
	}

	switch v := value.(type) {
	case float64:
		if v <= 0 || v != float64(uint(v)) {
			return 0, fmt.Errorf("invalid issue id %v", v)
		}

		return uint(v), nil
	case string:
		var id uint
		if _, err := fmt.Sscanf(v, "%d", &id); err != nil || id == 0 {
			return 0, fmt.Errorf("invalid issue id %q", v)
		}

		return id, nil
	default:
		return 0, fmt.Errorf("issue property has unexpected type %T", value)
	}
}

// ResultStatus maps the optional result code onto a status: absent or
// below the failure threshold means success.
func (b *Build) ResultStatus() store.Status {
	if b.Results == nil || *b.Results < resultFailureThreshold {
		return store.StatusSuccess
	}

	return store.StatusFailure
}
