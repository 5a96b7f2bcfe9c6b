package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"roadsync/internal/core"
	"roadsync/internal/mirror"
	"roadsync/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// NewPrimaryBackend builds the primary backend for the configured storage.
func NewPrimaryBackend(ctx context.Context, store storage.Storage) (Backend, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteBackend(ctx, store.SQLiteDB())
	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgresBackend(ctx, pool)
	case storage.TypeMongoDB:
		docs, err := mirror.NewWithSharedStorage(store)
		if err != nil {
			return nil, err
		}
		return NewDocumentBackend(storage.TypeMongoDB, docs), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

// prepareRecord checks that data is a JSON object and returns its id,
// assigning a new one when the object has none.
func prepareRecord(data json.RawMessage) (string, json.RawMessage, error) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return "", nil, fmt.Errorf("%w: record must be a JSON object", core.ErrInvalidArgument)
	}
	if id := parsed.Get("id"); id.Exists() && id.String() != "" {
		return id.String(), data, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	id := uuid.NewString()
	obj["id"], _ = json.Marshal(id)
	out, err := json.Marshal(obj)
	if err != nil {
		return "", nil, core.NewSerializationError("encode record", err)
	}
	return id, out, nil
}

type listQuery struct {
	filters map[string]string
	limit   int
}

func parseListParams(params map[string]string) (listQuery, error) {
	q := listQuery{filters: make(map[string]string), limit: defaultListLimit}
	for k, v := range params {
		switch k {
		case "id":
		case "limit":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return q, fmt.Errorf("%w: invalid limit %q", core.ErrInvalidArgument, v)
			}
			q.limit = min(n, maxListLimit)
		default:
			if !fieldPattern.MatchString(k) {
				return q, fmt.Errorf("%w: invalid filter field %q", core.ErrInvalidArgument, k)
			}
			q.filters[k] = v
		}
	}
	return q, nil
}

func (q listQuery) sortedFields() []string {
	fields := make([]string, 0, len(q.filters))
	for k := range q.filters {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func joinArray(items [][]byte) json.RawMessage {
	if len(items) == 0 {
		return json.RawMessage("[]")
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(items, []byte{','}))
	buf.WriteByte(']')
	return buf.Bytes()
}
