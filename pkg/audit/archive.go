package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
)

// ObjectWriter uploads one object. *postgres.S3Client satisfies it.
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
}

// ObjectArchiver writes expired entries as JSON Lines objects keyed
// prefix/YYYY/MM/DD/<uuid>.jsonl.
type ObjectArchiver struct {
	objects ObjectWriter
	prefix  string
}

// NewObjectArchiver creates an archiver writing under prefix.
func NewObjectArchiver(objects ObjectWriter, prefix string) *ObjectArchiver {
	return &ObjectArchiver{objects: objects, prefix: prefix}
}

// Archive uploads entries and returns the object key.
func (a *ObjectArchiver) Archive(ctx context.Context, day time.Time, entries []Entry) (string, error) {
	body, err := encodeJSONLines(entries)
	if err != nil {
		return "", err
	}

	key := path.Join(a.prefix, day.UTC().Format("2006/01/02"), uuid.NewString()+".jsonl")
	if err := a.objects.PutObject(ctx, key, bytes.NewReader(body), "application/x-ndjson"); err != nil {
		return "", err
	}
	return key, nil
}

func encodeJSONLines(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}
