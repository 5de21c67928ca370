// Package mongodb wraps an mgo session into the read-only capability the
// backup pipeline consumes. The caller owns the connection lifecycle.
package mongodb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// Client reads collections of a single database
type Client struct {
	session  *mgo.Session
	database string
}

// Dial connects to the MongoDB deployment described by uri. When database is
// empty the database named in the URI is used.
func Dial(uri, database string, timeout time.Duration) (*Client, error) {
	info, err := mgo.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongo uri: %w", err)
	}
	if timeout > 0 {
		info.Timeout = timeout
	}
	if database == "" {
		database = info.Database
	}
	if database == "" {
		return nil, fmt.Errorf("no database given in config or mongo uri")
	}

	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, fmt.Errorf("dial mongo: %w", err)
	}
	// Reads may be served by a secondary.
	session.SetMode(mgo.SecondaryPreferred, true)

	return &Client{session: session, database: database}, nil
}

// Database returns the name of the database being read
func (c *Client) Database() string {
	return c.database
}

// Close closes the underlying session
func (c *Client) Close() {
	c.session.Close()
}

// CollectionNames lists the collections of the database in name order
func (c *Client) CollectionNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.session.Copy()
	defer s.Close()

	names, err := s.DB(c.database).CollectionNames()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ForEach calls fn with every document of collection in natural order.
// Iteration stops at the first error from fn or when ctx is cancelled.
func (c *Client) ForEach(ctx context.Context, collection string, fn func(doc map[string]any) error) error {
	s := c.session.Copy()
	defer s.Close()

	iter := s.DB(c.database).C(collection).Find(nil).Iter()
	for {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return err
		}
		var doc bson.M
		if !iter.Next(&doc) {
			break
		}
		if err := fn(doc); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}
