package client

import (
	"context"
	"database/sql"
	"recstore/db/orm/query"
	"recstore/db/orm/query/clause"

	"github.com/pkg/errors"
)

type Client interface {
	All(context.Context, interface{}) error
	Find(context.Context, interface{}, ...*clause.Clause) error
	FindAll(context.Context, interface{}, ...*clause.Clause) error
	Count(context.Context, interface{}, ...*clause.Clause) (int, error)
	Insert(context.Context, interface{}) error
	Update(context.Context, interface{}) error
	Save(context.Context, interface{}) error
	DeleteAll(context.Context, interface{}) error

	// Transaction runs fn with a client bound to a single transaction, which is
	// committed if fn returns nil and rolled back otherwise. Nested calls reuse
	// the outer transaction.
	Transaction(context.Context, func(Client) error) error
}

func New(db *sql.DB) Client {
	return &client{
		db: db,
	}
}

type client struct {
	db *sql.DB
	tx *sql.Tx
}

func (c *client) exec(ctx context.Context, q query.Query) error {
	if c.tx != nil {
		return q.ExecTx(ctx, c.tx)
	}

	return q.Exec(ctx, c.db)
}

func (c *client) All(ctx context.Context, ptr interface{}) error {
	// All just calls FindAll without using any clauses, but "All(ptr)" is faster to type than "FindAll(ptr)"
	return c.FindAll(ctx, ptr)
}

func (c *client) Find(ctx context.Context, ptr interface{}, clauses ...*clause.Clause) error {
	q, err := query.SelectOne(ptr, clauses...)
	if err != nil {
		return errors.Wrap(err, "failed to create query")
	}

	return errors.Wrap(c.exec(ctx, q), "failed to execute query")
}

func (c *client) FindAll(ctx context.Context, ptr interface{}, clauses ...*clause.Clause) error {
	q, err := query.Select(ptr, clauses...)
	if err != nil {
		return errors.Wrap(err, "failed to create query")
	}

	return errors.Wrap(c.exec(ctx, q), "failed to execute query")
}

func (c *client) Count(ctx context.Context, ptr interface{}, clauses ...*clause.Clause) (int, error) {
	var count int
	q, err := query.Count(ptr, &count, clauses...)
	if err != nil {
		return count, errors.Wrap(err, "failed to create query")
	}

	return count, errors.Wrap(c.exec(ctx, q), "failed to execute query")
}

func (c *client) Insert(ctx context.Context, ptr interface{}) error {
	q, err := query.Insert(ptr)
	if err != nil {
		return errors.Wrap(err, "failed to create query")
	}

	return errors.Wrap(c.exec(ctx, q), "failed to execute query")
}

func (c *client) Update(ctx context.Context, ptr interface{}) error {
	q, err := query.Update(ptr)
	if err != nil {
		return errors.Wrap(err, "failed to create query")
	}

	return errors.Wrap(c.exec(ctx, q), "failed to execute query")
}

func (c *client) Save(ctx context.Context, ptr interface{}) error {
	q, err := query.Upsert(ptr)
	if err != nil {
		return errors.Wrap(err, "failed to create query")
	}

	return errors.Wrap(c.exec(ctx, q), "failed to execute query")
}

func (c *client) DeleteAll(ctx context.Context, ptr interface{}) error {
	q, err := query.Delete(ptr)
	if err != nil {
		return errors.Wrap(err, "failed to create query")
	}

	return errors.Wrap(c.exec(ctx, q), "failed to execute query")
}

func (c *client) Transaction(ctx context.Context, fn func(Client) error) (err error) {
	if c.tx != nil {
		return fn(c)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create DB transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = errors.Wrap(tx.Commit(), "failed to commit DB transaction")
	}()

	return fn(&client{db: c.db, tx: tx})
}
