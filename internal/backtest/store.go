package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"optionsflow/internal/market"
	"optionsflow/internal/pkg/symbol"
)

// Manifest 记录某个 instrument@timeframe 文件的统计信息。
type Manifest struct {
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	Path       string `json:"path"`
}

// Store 样本库，每个数据流一个 sqlite 文件：<root>/<BASE-QUOTE>/<timeframe>.db。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(instrument, timeframe string) (*sql.DB, string, error) {
	instrument = symbol.Normalize(instrument)
	timeframe = market.NormalizeTimeframe(timeframe)
	if instrument == "" || timeframe == "" {
		return nil, "", fmt.Errorf("instrument/timeframe 不能为空")
	}
	key := market.StreamKey{Instrument: instrument, Timeframe: timeframe}.String()
	path := s.dbPath(instrument, timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func (s *Store) dbPath(instrument, timeframe string) string {
	dir := strings.NewReplacer("/", "-", "\\", "-").Replace(instrument)
	return filepath.Join(s.root, dir, timeframe+".db")
}

// InsertSamples 批量写入样本（重复时间戳覆盖）。样本的 instrument/timeframe 以参数为准。
func (s *Store) InsertSamples(ctx context.Context, instrument, timeframe string, samples []market.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	db, _, err := s.db(instrument, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (ts, open, high, low, close, volume, open_interest, options)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    open_interest=excluded.open_interest,
		    options=excluded.options`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.Timestamp.UnixMilli(), smp.Open, smp.High, smp.Low, smp.Close,
			smp.Volume, smp.OpenInterest, encodeOptions(smp.Options)); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// RangeSamples 返回 [start,end] 内的样本（毫秒，0 表示不限），按时间升序。
func (s *Store) RangeSamples(ctx context.Context, instrument, timeframe string, start, end int64) ([]market.Sample, error) {
	db, _, err := s.db(instrument, timeframe)
	if err != nil {
		return nil, err
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}
	if end <= 0 {
		end = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume, open_interest, options
		FROM samples
		WHERE ts BETWEEN ? AND ?
		ORDER BY ts ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	inst := symbol.Normalize(instrument)
	tf := market.NormalizeTimeframe(timeframe)
	var list []market.Sample
	for rows.Next() {
		var (
			ts      int64
			options sql.NullString
		)
		smp := market.Sample{Instrument: inst, Timeframe: tf}
		if err := rows.Scan(&ts, &smp.Open, &smp.High, &smp.Low, &smp.Close, &smp.Volume, &smp.OpenInterest, &options); err != nil {
			return nil, err
		}
		smp.Timestamp = time.UnixMilli(ts).UTC()
		if options.Valid && options.String != "" {
			var chain market.OptionsChain
			if err := json.Unmarshal([]byte(options.String), &chain); err != nil {
				return nil, fmt.Errorf("decode options at %d: %w", ts, err)
			}
			smp.Options = &chain
		}
		list = append(list, smp)
	}
	return list, rows.Err()
}

func (s *Store) Manifest(ctx context.Context, instrument, timeframe string) (Manifest, error) {
	db, path, err := s.db(instrument, timeframe)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Instrument: symbol.Normalize(instrument),
		Timeframe:  market.NormalizeTimeframe(timeframe),
		Path:       path,
	}
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MIN(ts), 0), COALESCE(MAX(ts), 0), COUNT(1) FROM samples`)
	if err := row.Scan(&m.MinTime, &m.MaxTime, &m.Rows); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS samples (
		ts            INTEGER PRIMARY KEY,
		open          REAL NOT NULL,
		high          REAL NOT NULL,
		low           REAL NOT NULL,
		close         REAL NOT NULL,
		volume        REAL NOT NULL,
		open_interest REAL NOT NULL DEFAULT 0,
		options       TEXT,
		inserted_at   INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
	);`)
	return err
}

// encodeOptions 期权链以 JSON 文本保存；无法编码（如 NaN）时不保存。
func encodeOptions(chain *market.OptionsChain) any {
	if chain == nil {
		return nil
	}
	raw, err := json.Marshal(chain)
	if err != nil {
		return nil
	}
	return string(raw)
}
