package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/giftwell/api/internal/domain"
	pfirestore "github.com/giftwell/api/internal/platform/firestore"
)

const eventsCollection = "calendarEvents"

type eventDocument struct {
	UserID       string    `firestore:"userId"`
	RecipientID  string    `firestore:"recipientId"`
	OccasionType string    `firestore:"occasionType"`
	EventDate    time.Time `firestore:"eventDate"`
	Source       string    `firestore:"source,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func newEventDocument(event domain.CalendarEvent) eventDocument {
	return eventDocument{
		UserID:       strings.TrimSpace(event.UserID),
		RecipientID:  strings.TrimSpace(event.RecipientID),
		OccasionType: strings.TrimSpace(event.OccasionType),
		EventDate:    event.EventDate.UTC(),
		Source:       strings.TrimSpace(event.Source),
		CreatedAt:    event.CreatedAt.UTC(),
		UpdatedAt:    event.UpdatedAt.UTC(),
	}
}

func (d eventDocument) toDomain(id string) domain.CalendarEvent {
	return domain.CalendarEvent{
		ID:           id,
		UserID:       d.UserID,
		RecipientID:  d.RecipientID,
		OccasionType: d.OccasionType,
		EventDate:    d.EventDate,
		Source:       d.Source,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// EventRepository persists calendar events in Firestore.
type EventRepository struct {
	provider *pfirestore.Provider
	events   *pfirestore.BaseRepository[eventDocument]
}

// NewEventRepository constructs a Firestore-backed calendar event repository.
func NewEventRepository(provider *pfirestore.Provider) (*EventRepository, error) {
	if provider == nil {
		return nil, errors.New("event repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[eventDocument](provider, eventsCollection, nil, nil)
	return &EventRepository{provider: provider, events: base}, nil
}

func (r *EventRepository) Insert(ctx context.Context, event domain.CalendarEvent) error {
	if r == nil || r.events == nil {
		return errors.New("event repository not initialised")
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		return errors.New("event insert: id is required")
	}
	ref, err := r.events.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newEventDocument(event)); err != nil {
		return pfirestore.WrapError("calendarEvents.insert", err)
	}
	return nil
}

func (r *EventRepository) FindByID(ctx context.Context, eventID string) (domain.CalendarEvent, error) {
	if r == nil || r.events == nil {
		return domain.CalendarEvent{}, errors.New("event repository not initialised")
	}
	doc, err := r.events.Get(ctx, strings.TrimSpace(eventID))
	if err != nil {
		return domain.CalendarEvent{}, pfirestore.WrapError("calendarEvents.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *EventRepository) ListUpcoming(ctx context.Context, from, to time.Time) ([]domain.CalendarEvent, error) {
	if r == nil || r.events == nil {
		return nil, errors.New("event repository not initialised")
	}
	if to.Before(from) {
		return nil, errors.New("event list: to precedes from")
	}

	docs, err := r.events.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("eventDate", ">=", from.UTC()).
			Where("eventDate", "<=", to.UTC()).
			OrderBy("eventDate", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	events := make([]domain.CalendarEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.Data.toDomain(doc.ID))
	}
	return events, nil
}
