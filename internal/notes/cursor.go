package notes

import (
	"encoding/base64"
	"strconv"
	"strings"

	"arklowdun/internal/ark"
)

// cursor marks the last note of a page as "<created_at>:<id>".
type cursor struct {
	CreatedAt int64
	ID        string
}

func encodeCursor(c cursor) string {
	raw := strconv.FormatInt(c.CreatedAt, 10) + ":" + c.ID
	return base64.RawStdEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	// Accept padded input from clients that add it back.
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return cursor{}, ark.Wrap(err, ark.CodeNoteLinkCursorDecode, "cursor is not valid base64")
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return cursor{}, ark.New(ark.CodeNoteLinkCursorInvalid, "cursor must be <created_at>:<id>")
	}
	createdAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return cursor{}, ark.Wrap(err, ark.CodeNoteLinkCursorInvalid, "cursor timestamp is not an integer")
	}
	return cursor{CreatedAt: createdAt, ID: id}, nil
}
