package pagination

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor == nil || cursor.ID != 42 {
		t.Fatalf("expected id 42, got %+v", cursor)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := DecodeCursor("%%%"); err != ErrInvalidPageToken {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
	cursor, err := DecodeCursor("")
	if err != nil || cursor != nil {
		t.Fatalf("expected nil cursor for empty token, got %+v err=%v", cursor, err)
	}
}

func TestTrim(t *testing.T) {
	rows := []int64{9, 8, 7}
	kept, info := Trim(rows, 2, func(v int64) int64 { return v })
	if len(kept) != 2 || !info.HasMore || info.NextPageToken == "" {
		t.Fatalf("unexpected trim result %v %+v", kept, info)
	}
	cursor, _ := DecodeCursor(info.NextPageToken)
	if cursor.ID != 8 {
		t.Fatalf("expected cursor at 8, got %d", cursor.ID)
	}

	kept, info = Trim(rows, 5, func(v int64) int64 { return v })
	if len(kept) != 3 || info.HasMore {
		t.Fatalf("expected full page without more, got %v %+v", kept, info)
	}
}

func TestLimit(t *testing.T) {
	if got := (Pagination{}).Limit(); got != DefaultPageSize {
		t.Fatalf("expected default, got %d", got)
	}
	if got := (Pagination{PageSize: 1000}).Limit(); got != MaxPageSize {
		t.Fatalf("expected max, got %d", got)
	}
}
