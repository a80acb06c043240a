package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, timeout time.Duration) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	return &Session{Session: session}, nil
}

// EnsureKeyspace connects through the system keyspace and creates keyspace if missing.
func EnsureKeyspace(hosts []string, keyspace string, timeout time.Duration) error {
	sys, err := NewSession(hosts, "system", timeout)
	if err != nil {
		return fmt.Errorf("connect system keyspace: %w", err)
	}
	defer sys.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`, keyspace)
	return sys.Query(stmt).Exec()
}

var tables = []struct {
	name string
	ddl  string
}{
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		conversation text,
		id bigint,
		sender_id text,
		recipient_id text,
		content text,
		attachments text,
		edited boolean,
		created_at timestamp,
		PRIMARY KEY (conversation, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},
	{"message_index", `CREATE TABLE IF NOT EXISTS message_index (
		id bigint PRIMARY KEY,
		conversation text
	)`},
	{"notifications", `CREATE TABLE IF NOT EXISTS notifications (
		recipient_id text,
		id bigint,
		sender_id text,
		type text,
		related_entity_id text,
		message text,
		is_read boolean,
		created_at timestamp,
		PRIMARY KEY (recipient_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},
	{"users", `CREATE TABLE IF NOT EXISTS users (
		user_id text PRIMARY KEY,
		display_name text,
		avatar_url text,
		updated_at timestamp
	)`},
}

// EnsureSchema creates every table the store needs.
func (s *Session) EnsureSchema() error {
	for _, t := range tables {
		if err := s.Query(t.ddl).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	return nil
}

// DropSchema drops every table EnsureSchema creates.
func (s *Session) DropSchema() error {
	for _, t := range tables {
		if err := s.Query("DROP TABLE IF EXISTS " + t.name).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", t.name, err)
		}
	}
	return nil
}
