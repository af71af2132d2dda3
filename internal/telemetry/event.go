package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// Name is the lifecycle moment an event reports.
type Name string

const (
	// NameInstall is emitted after the first release is committed on an empty installation.
	NameInstall Name = "install"
	// NameUpdate is emitted after each committed step that upgrades an installation.
	NameUpdate Name = "update"
	// NameActivate is emitted once a run reaches its target version.
	NameActivate Name = "activate"
	// NameDeactivate is emitted when the installation is being removed.
	NameDeactivate Name = "deactivate"
)

// Event is one telemetry record.
type Event struct {
	// ID uniquely identifies the event.
	ID string
	// Name is the lifecycle moment.
	Name Name
	// Version is the version the installation moved to.
	Version string
	// Previous is the version installed before, if any.
	Previous string
	// Branch is the release branch followed by the installation.
	Branch string
	// Actor is the machine and account running the updater.
	Actor *release.Actor
	// Timestamp is when the event happened.
	Timestamp time.Time
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(name Name, version, previous string) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   version,
		Previous:  previous,
		Timestamp: time.Now().UTC(),
	}
}

// Sink delivers events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Noop discards every event.
type Noop struct{}

// Emit implements Sink.
func (Noop) Emit(context.Context, Event) error {
	return nil
}

// Marshal encodes the event as a single-line JSON object.
func (e Event) Marshal() ([]byte, error) {
	fields := map[string]any{
		"id":      e.ID,
		"name":    string(e.Name),
		"version": e.Version,
	}

	if e.Previous != "" {
		fields["previous"] = e.Previous
	}

	if e.Branch != "" {
		fields["branch"] = e.Branch
	}

	if e.Actor != nil {
		fields["actor"] = map[string]any{
			"hostname": e.Actor.Hostname,
			"username": e.Actor.Username,
		}
	}

	if !e.Timestamp.IsZero() {
		fields["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	return protojson.Marshal(payload)
}

// Multi delivers every event to each of its sinks.
type Multi []Sink

// Emit implements Sink. Every sink is tried; the failures are joined.
func (m Multi) Emit(ctx context.Context, event Event) error {
	var errs []error

	for _, sink := range m {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
