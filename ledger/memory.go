package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/margonote/margo/margo_errors"
)

// Memory is an in-process Table, used for tests and for running the
// engine against a local ledger snapshot. It mimics the flat-table
// semantics of the remote store, including row renumbering on delete.
//
// A fault hook installed with SetFault is consulted before every
// operation and lets tests inject transient failures per operation name.
type Memory struct {
	mu     sync.Mutex
	header []string
	rows   [][]string
	faultF func(op string) error
}

var _ Table = (*Memory)(nil)

func NewMemory(columns ...string) *Memory {
	return &Memory{header: columns}
}

func (m *Memory) SetFault(f func(op string) error) {
	m.mu.Lock()
	m.faultF = f
	m.mu.Unlock()
}

func (m *Memory) fault(op string) error {
	m.mu.Lock()
	f := m.faultF
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	return f(op)
}

func (m *Memory) Header(ctx context.Context) ([]string, error) {
	if err := m.fault("header"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.header...), nil
}

func (m *Memory) SetHeader(ctx context.Context, columns []string) error {
	if err := m.fault("set_header"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = append([]string(nil), columns...)
	for i, row := range m.rows {
		for len(row) < len(m.header) {
			row = append(row, "")
		}
		m.rows[i] = row
	}
	return nil
}

func (m *Memory) Rows(ctx context.Context) ([]Row, error) {
	if err := m.fault("rows"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.rows))
	for i, row := range m.rows {
		out = append(out, m.rowAt(i, row))
	}
	return out, nil
}

func (m *Memory) rowAt(i int, row []string) Row {
	cells := make(map[string]string, len(m.header))
	for c, col := range m.header {
		if c < len(row) {
			cells[col] = row[c]
		} else {
			cells[col] = ""
		}
	}
	return Row{Num: i + 2, Cells: cells}
}

func (m *Memory) Find(ctx context.Context, column, value string) (Row, bool, error) {
	if err := m.fault("find"); err != nil {
		return Row{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.colIndex(column)
	if col < 0 {
		return Row{}, false, nil
	}
	for i, row := range m.rows {
		if col < len(row) && row[col] == value {
			return m.rowAt(i, row), true, nil
		}
	}
	return Row{}, false, nil
}

func (m *Memory) colIndex(column string) int {
	for i, col := range m.header {
		if col == column {
			return i
		}
	}
	return -1
}

func (m *Memory) Append(ctx context.Context, cells map[string]string) error {
	if err := m.fault("append"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := make([]string, len(m.header))
	for i, col := range m.header {
		row[i] = cells[col]
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *Memory) Update(ctx context.Context, num int, cells map[string]string) error {
	if err := m.fault("update"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := num - 2
	if i < 0 || i >= len(m.rows) {
		return fmt.Errorf("%w: row %d out of range", margo_errors.ErrRowNotFound, num)
	}
	row := m.rows[i]
	for len(row) < len(m.header) {
		row = append(row, "")
	}
	for col, val := range cells {
		if c := m.colIndex(col); c >= 0 {
			row[c] = val
		}
	}
	m.rows[i] = row
	return nil
}

func (m *Memory) Delete(ctx context.Context, num int) error {
	if err := m.fault("delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := num - 2
	if i < 0 || i >= len(m.rows) {
		return fmt.Errorf("%w: row %d out of range", margo_errors.ErrRowNotFound, num)
	}
	m.rows = append(m.rows[:i], m.rows[i+1:]...)
	return nil
}
