package firestore

import (
	"fmt"
	"time"

	"github.com/giftwell/api/internal/platform/pagination"
)

const maxListPageSize = 200

// pageCursor is the opaque cursor shared by the list queries in this package.
// Each list orders by a timestamp field plus document ID as a tiebreaker, so
// the encoded cursor carries exactly those two start-after values.
type pageCursor struct {
	At    time.Time
	DocID string
}

func encodePageCursor(cursor pageCursor) (string, error) {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{cursor.At.UTC().Format(time.RFC3339Nano), cursor.DocID},
	})
	if err != nil {
		return "", fmt.Errorf("encode page cursor: %w", err)
	}
	return token, nil
}

func decodePageCursor(token string) (pageCursor, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return pageCursor{}, fmt.Errorf("decode page cursor: %w", err)
	}
	if len(cursor.StartAfter) != 2 {
		return pageCursor{}, fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	rawAt, ok := cursor.StartAfter[0].(string)
	if !ok {
		return pageCursor{}, fmt.Errorf("%w: timestamp must be a string", pagination.ErrInvalidPageToken)
	}
	at, err := time.Parse(time.RFC3339Nano, rawAt)
	if err != nil {
		return pageCursor{}, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	docID, ok := cursor.StartAfter[1].(string)
	if !ok || docID == "" {
		return pageCursor{}, fmt.Errorf("%w: document id must be a non-empty string", pagination.ErrInvalidPageToken)
	}
	return pageCursor{At: at, DocID: docID}, nil
}

func normalisePageSize(size int) int {
	if size <= 0 {
		return pagination.DefaultPageSize
	}
	if size > maxListPageSize {
		return maxListPageSize
	}
	return size
}
