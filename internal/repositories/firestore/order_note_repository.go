package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/giftwell/api/internal/domain"
	pfirestore "github.com/giftwell/api/internal/platform/firestore"
)

const orderNotesCollection = "orderNotes"

type orderNoteDocument struct {
	OrderID   string    `firestore:"orderId"`
	NoteType  string    `firestore:"noteType"`
	Body      string    `firestore:"body"`
	Actor     string    `firestore:"actor"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderNoteDocument(note domain.OrderNote) orderNoteDocument {
	return orderNoteDocument{
		OrderID:   strings.TrimSpace(note.OrderID),
		NoteType:  string(note.NoteType),
		Body:      note.Body,
		Actor:     strings.TrimSpace(note.Actor),
		CreatedAt: note.CreatedAt.UTC(),
	}
}

func (d orderNoteDocument) toDomain(id string) domain.OrderNote {
	return domain.OrderNote{
		ID:        id,
		OrderID:   d.OrderID,
		NoteType:  domain.NoteType(d.NoteType),
		Body:      d.Body,
		Actor:     d.Actor,
		CreatedAt: d.CreatedAt,
	}
}

// OrderNoteRepository is append-only: notes are never rewritten once created.
type OrderNoteRepository struct {
	provider *pfirestore.Provider
	notes    *pfirestore.BaseRepository[orderNoteDocument]
}

// NewOrderNoteRepository constructs a Firestore-backed order note repository.
func NewOrderNoteRepository(provider *pfirestore.Provider) (*OrderNoteRepository, error) {
	if provider == nil {
		return nil, errors.New("order note repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderNoteDocument](provider, orderNotesCollection, nil, nil)
	return &OrderNoteRepository{provider: provider, notes: base}, nil
}

func (r *OrderNoteRepository) Append(ctx context.Context, note domain.OrderNote) error {
	if r == nil || r.notes == nil {
		return errors.New("order note repository not initialised")
	}
	id := strings.TrimSpace(note.ID)
	if id == "" {
		return errors.New("order note append: id is required")
	}
	if strings.TrimSpace(note.OrderID) == "" {
		return errors.New("order note append: order id is required")
	}
	ref, err := r.notes.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderNoteDocument(note)); err != nil {
		return pfirestore.WrapError("orderNotes.append", err)
	}
	return nil
}

func (r *OrderNoteRepository) ListByOrder(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderNote], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.OrderNote]{}, errors.New("order note repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[domain.OrderNote]{}, errors.New("order note list: order id is required")
	}

	pageSize := normalisePageSize(pager.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.OrderNote]{}, pfirestore.WrapError("orderNotes.list", err)
	}

	query := client.Collection(orderNotesCollection).
		Where("orderId", "==", orderID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		cursor, err := decodePageCursor(token)
		if err != nil {
			return domain.CursorPage[domain.OrderNote]{}, err
		}
		query = query.StartAfter(cursor.At, cursor.DocID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var notes []domain.OrderNote
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.OrderNote]{}, pfirestore.WrapError("orderNotes.list", err)
		}
		var doc orderNoteDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.OrderNote]{}, fmt.Errorf("decode order note %s: %w", snap.Ref.ID, err)
		}
		notes = append(notes, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(notes) > pageSize
	if hasMore {
		notes = notes[:pageSize]
	}

	var nextToken string
	if hasMore && len(notes) > 0 {
		last := notes[len(notes)-1]
		nextToken, err = encodePageCursor(pageCursor{At: last.CreatedAt, DocID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.OrderNote]{}, err
		}
	}

	return domain.CursorPage[domain.OrderNote]{Items: notes, NextPageToken: nextToken}, nil
}
