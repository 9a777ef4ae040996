package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
)

// Operation describes one named store operation.
type Operation struct {
	Name    string
	MinArgs int
	MaxArgs int // negative means variadic
	Mutates bool

	run func(ctx context.Context, s *Store, args []any) (any, error)
}

func (op *Operation) checkArity(n int) error {
	if n < op.MinArgs || (op.MaxArgs >= 0 && n > op.MaxArgs) {
		return fmt.Errorf("%w: %s takes %s arguments, got %d", ErrInvalidArgument, op.Name, op.arity(), n)
	}
	return nil
}

func (op *Operation) arity() string {
	switch {
	case op.MaxArgs < 0:
		return fmt.Sprintf("at least %d", op.MinArgs)
	case op.MinArgs == op.MaxArgs:
		return fmt.Sprintf("%d", op.MinArgs)
	default:
		return fmt.Sprintf("%d to %d", op.MinArgs, op.MaxArgs)
	}
}

var ops = map[string]*Operation{
	"get":      {Name: "get", MinArgs: 1, MaxArgs: 1, run: opGet},
	"exists":   {Name: "exists", MinArgs: 1, MaxArgs: 1, run: opExists},
	"keys":     {Name: "keys", MinArgs: 0, MaxArgs: 1, run: opKeys},
	"dbsize":   {Name: "dbsize", MinArgs: 0, MaxArgs: 0, run: opDBSize},
	"set":      {Name: "set", MinArgs: 2, MaxArgs: 2, Mutates: true, run: opSet},
	"setnx":    {Name: "setnx", MinArgs: 2, MaxArgs: 2, Mutates: true, run: opSetNX},
	"getset":   {Name: "getset", MinArgs: 2, MaxArgs: 2, Mutates: true, run: opGetSet},
	"del":      {Name: "del", MinArgs: 1, MaxArgs: -1, Mutates: true, run: opDel},
	"incr":     {Name: "incr", MinArgs: 1, MaxArgs: 1, Mutates: true, run: counter(1, false)},
	"decr":     {Name: "decr", MinArgs: 1, MaxArgs: 1, Mutates: true, run: counter(-1, false)},
	"incrby":   {Name: "incrby", MinArgs: 2, MaxArgs: 2, Mutates: true, run: counter(1, true)},
	"decrby":   {Name: "decrby", MinArgs: 2, MaxArgs: 2, Mutates: true, run: counter(-1, true)},
	"append":   {Name: "append", MinArgs: 2, MaxArgs: 2, Mutates: true, run: opAppend},
	"rename":   {Name: "rename", MinArgs: 2, MaxArgs: 2, Mutates: true, run: opRename},
	"flushall": {Name: "flushall", MinArgs: 0, MaxArgs: 0, Mutates: true, run: opFlushAll},
}

// Lookup returns the operation registered under name.
func Lookup(name string) (*Operation, bool) {
	op, ok := ops[name]
	return op, ok
}

// Names returns every operation name, sorted.
func Names() []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) read(ctx context.Context, q querier, key string) (any, bool, error) {
	var blob []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %q: %w", key, err)
	}

	v, err := decodeValue(blob)
	if err != nil {
		return nil, false, fmt.Errorf("read %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) write(ctx context.Context, q querier, key string, value any) error {
	blob, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entries (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
	`, s.namespace, key, blob)
	if err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) (any, error)) (any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func opGet(ctx context.Context, s *Store, args []any) (any, error) {
	key, err := keyArg(args, 0)
	if err != nil {
		return nil, err
	}
	v, _, err := s.read(ctx, s.db, key)
	return v, err
}

func opExists(ctx context.Context, s *Store, args []any) (any, error) {
	key, err := keyArg(args, 0)
	if err != nil {
		return nil, err
	}
	_, ok, err := s.read(ctx, s.db, key)
	return ok, err
}

func opKeys(ctx context.Context, s *Store, args []any) (any, error) {
	pattern := "*"
	if len(args) > 0 {
		p, err := keyArg(args, 0)
		if err != nil {
			return nil, err
		}
		pattern = p
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM entries
		WHERE namespace = ? AND key GLOB ?
		ORDER BY key ASC
	`, s.namespace, pattern)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []any{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func opDBSize(ctx context.Context, s *Store, _ []any) (any, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE namespace = ?`, s.namespace,
	).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func opSet(ctx context.Context, s *Store, args []any) (any, error) {
	key, err := keyArg(args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, s.db, key, args[1]); err != nil {
		return nil, err
	}
	return "OK", nil
}

func opSetNX(ctx context.Context, s *Store, args []any) (any, error) {
	key, err := keyArg(args, 0)
	if err != nil {
		return nil, err
	}
	return s.withTx(ctx, func(tx *sql.Tx) (any, error) {
		_, exists, err := s.read(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if exists {
			return false, nil
		}
		if err := s.write(ctx, tx, key, args[1]); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func opGetSet(ctx context.Context, s *Store, args []any) (any, error) {
	key, err := keyArg(args, 0)
	if err != nil {
		return nil, err
	}
	return s.withTx(ctx, func(tx *sql.Tx) (any, error) {
		old, _, err := s.read(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if err := s.write(ctx, tx, key, args[1]); err != nil {
			return nil, err
		}
		return old, nil
	})
}

func opDel(ctx context.Context, s *Store, args []any) (any, error) {
	return s.withTx(ctx, func(tx *sql.Tx) (any, error) {
		var removed int64
		for i := range args {
			key, err := keyArg(args, i)
			if err != nil {
				return nil, err
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM entries WHERE namespace = ? AND key = ?`, s.namespace, key)
			if err != nil {
				return nil, fmt.Errorf("delete %q: %w", key, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("delete %q: %w", key, err)
			}
			removed += n
		}
		return removed, nil
	})
}

// counter builds incr/decr style operations. sign is applied to the delta,
// which is 1 unless withDelta reads it from the second argument.
func counter(sign int64, withDelta bool) func(context.Context, *Store, []any) (any, error) {
	return func(ctx context.Context, s *Store, args []any) (any, error) {
		key, err := keyArg(args, 0)
		if err != nil {
			return nil, err
		}
		delta := int64(1)
		if withDelta {
			d, ok := toInt64(args[1])
			if !ok {
				return nil, fmt.Errorf("%w: delta %v is not an integer", ErrInvalidArgument, args[1])
			}
			delta = d
		}
		delta *= sign

		return s.withTx(ctx, func(tx *sql.Tx) (any, error) {
			current, exists, err := s.read(ctx, tx, key)
			if err != nil {
				return nil, err
			}
			var n int64
			if exists {
				v, ok := toInt64(current)
				if !ok {
					return nil, fmt.Errorf("%w: %q holds %T", ErrNotInteger, key, current)
				}
				n = v
			}
			if (delta > 0 && n > math.MaxInt64-delta) || (delta < 0 && n < math.MinInt64-delta) {
				return nil, fmt.Errorf("%w: %q would overflow", ErrNotInteger, key)
			}
			n += delta
			if err := s.write(ctx, tx, key, n); err != nil {
				return nil, err
			}
			return n, nil
		})
	}
}

func opAppend(ctx context.Context, s *Store, args []any) (any, error) {
	key, err := keyArg(args, 0)
	if err != nil {
		return nil, err
	}
	suffix, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("%w: append value must be a string, got %T", ErrInvalidArgument, args[1])
	}
	return s.withTx(ctx, func(tx *sql.Tx) (any, error) {
		current, exists, err := s.read(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		prefix := ""
		if exists {
			str, ok := current.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q holds %T, not a string", ErrInvalidArgument, key, current)
			}
			prefix = str
		}
		value := prefix + suffix
		if err := s.write(ctx, tx, key, value); err != nil {
			return nil, err
		}
		return int64(len(value)), nil
	})
}

func opRename(ctx context.Context, s *Store, args []any) (any, error) {
	src, err := keyArg(args, 0)
	if err != nil {
		return nil, err
	}
	dst, err := keyArg(args, 1)
	if err != nil {
		return nil, err
	}
	return s.withTx(ctx, func(tx *sql.Tx) (any, error) {
		v, exists, err := s.read(ctx, tx, src)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchKey, src)
		}
		if src == dst {
			return "OK", nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE namespace = ? AND key = ?`, s.namespace, src); err != nil {
			return nil, fmt.Errorf("delete %q: %w", src, err)
		}
		if err := s.write(ctx, tx, dst, v); err != nil {
			return nil, err
		}
		return "OK", nil
	})
}

func opFlushAll(ctx context.Context, s *Store, _ []any) (any, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE namespace = ?`, s.namespace); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return "OK", nil
}

func keyArg(args []any, i int) (string, error) {
	switch k := args[i].(type) {
	case string:
		return k, nil
	case []byte:
		return string(k), nil
	default:
		return "", fmt.Errorf("%w: key must be a string, got %T", ErrInvalidArgument, args[i])
	}
}
