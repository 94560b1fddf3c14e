package storage

import "github.com/jackc/pgx/v4"

var channelColumns = []string{"id", "server_id", "name", "type", "position"}

type channelBulk struct {
	rows []Channel
	idx  int
}

func (c Channel) toInterface() []interface{} {
	return []interface{}{c.ID, c.ServerID, c.Name, c.Type, c.Position}
}

// copyFromChannels feeds channel rows to pgx CopyFrom
func copyFromChannels(rows []Channel) pgx.CopyFromSource {
	return &channelBulk{
		rows: rows,
		idx:  -1,
	}
}

func (cb *channelBulk) Next() bool {
	cb.idx++
	return cb.idx < len(cb.rows)
}

func (cb *channelBulk) Values() ([]interface{}, error) {
	return cb.rows[cb.idx].toInterface(), nil
}

func (cb *channelBulk) Err() error {
	return nil
}
