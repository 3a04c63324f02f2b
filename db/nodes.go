package db

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bauerj/nim-eth/discv5/node"
)

// NodeRow is a node observation as stored.
type NodeRow struct {
	NodeID       []byte        `db:"nodeid"`
	IP           string        `db:"ip"`
	Port         int           `db:"port"`
	Seq          uint64        `db:"seq"`
	ENR          []byte        `db:"enr"`
	FirstSeen    int64         `db:"first_seen"`
	LastSeen     sql.NullInt64 `db:"last_seen"`
	SuccessCount int           `db:"success_count"`
	FailureCount int           `db:"failure_count"`
}

// StoreNode upserts a node observation. Implements discv5.NodeStore.
func (d *Database) StoreNode(n *node.Node) error {
	enrBytes, err := n.Record().EncodeRLP()
	if err != nil {
		return err
	}

	stats := n.Stats()

	var lastSeen sql.NullInt64
	if !stats.LastSeen.IsZero() {
		lastSeen = sql.NullInt64{Int64: stats.LastSeen.Unix(), Valid: true}
	}

	return d.RunTransaction(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO nodes (nodeid, ip, port, seq, enr, first_seen, last_seen, success_count, failure_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT(nodeid) DO UPDATE SET
				ip = excluded.ip,
				port = excluded.port,
				seq = excluded.seq,
				enr = excluded.enr,
				last_seen = excluded.last_seen,
				success_count = excluded.success_count,
				failure_count = excluded.failure_count`,
			n.ID().Bytes(),
			n.IP().String(),
			int(n.UDPPort()),
			n.Seq(),
			enrBytes,
			time.Now().Unix(),
			lastSeen,
			stats.SuccessCount,
			stats.FailureCount,
		)
		return err
	})
}

// GetNode retrieves one stored observation by node ID.
func (d *Database) GetNode(id node.ID) (*NodeRow, error) {
	row := &NodeRow{}
	err := d.ReaderDb.Get(row, `
		SELECT nodeid, ip, port, seq, enr, first_seen, last_seen, success_count, failure_count
		FROM nodes WHERE nodeid = $1`, id.Bytes())
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetNodes retrieves all stored observations.
func (d *Database) GetNodes() ([]*NodeRow, error) {
	rows := []*NodeRow{}
	err := d.ReaderDb.Select(&rows, `
		SELECT nodeid, ip, port, seq, enr, first_seen, last_seen, success_count, failure_count
		FROM nodes ORDER BY last_seen DESC`)
	return rows, err
}

// CountNodes returns the number of stored observations.
func (d *Database) CountNodes() (int, error) {
	var count int
	err := d.ReaderDb.Get(&count, "SELECT COUNT(*) FROM nodes")
	return count, err
}

// PruneNodes deletes observations not seen since the cutoff. Rows that
// were never seen are aged by first observation instead.
func (d *Database) PruneNodes(cutoff time.Time) (int, error) {
	var pruned int64

	err := d.RunTransaction(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM nodes
			WHERE COALESCE(last_seen, first_seen) < $1`, cutoff.Unix())
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})

	return int(pruned), err
}
