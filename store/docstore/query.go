package docstore

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

// Query selects JSON documents from a collection.
//
// Field/Equals filter on a top-level JSON field compared by its string form,
// OrderBy sorts on a top-level field (numbers numerically, RFC 3339 times
// chronologically, everything else lexically) and Limit caps the result after
// sorting. With no OrderBy documents are returned in key order.
type Query struct {
	Prefix     string
	Field      string
	Equals     string
	OrderBy    string
	Descending bool
	Limit      int
}

type queryRow struct {
	doc    Document
	fields map[string]any
}

// Query runs q against collection. Documents that are not JSON objects are skipped.
func (b *BoltDB) Query(_ context.Context, collection string, q Query) ([]Document, error) {
	var rows []queryRow
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return nil
		}

		p := []byte(q.Prefix)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
			var fields map[string]any
			if err := json.Unmarshal(v, &fields); err != nil {
				b.logger.Debug("skipping non-json document", "collection", collection, "key", string(k))
				continue
			}
			if q.Field != "" && !fieldEquals(fields[q.Field], q.Equals) {
				continue
			}
			data := make([]byte, len(v))
			copy(data, v)
			rows = append(rows, queryRow{doc: Document{Key: string(k), Data: data}, fields: fields})

			// Without ordering the first Limit matches in key order are the answer.
			if q.OrderBy == "" && q.Limit > 0 && len(rows) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.OrderBy != "" {
		slices.SortStableFunc(rows, func(a, b queryRow) int {
			c := compareValues(a.fields[q.OrderBy], b.fields[q.OrderBy])
			if q.Descending {
				return -c
			}
			return c
		})
	}

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	docs := make([]Document, len(rows))
	for i, r := range rows {
		docs[i] = r.doc
	}
	return docs, nil
}

func fieldEquals(v any, want string) bool {
	if v == nil {
		return want == ""
	}
	return fmt.Sprint(v) == want
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return cmp.Compare(af, bf)
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		at, aerr := time.Parse(time.RFC3339Nano, as)
		bt, berr := time.Parse(time.RFC3339Nano, bs)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
		return cmp.Compare(as, bs)
	}

	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
