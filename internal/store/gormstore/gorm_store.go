package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"optionsflow/internal/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// SuggestionRecord 建议流中的一条记录，Seq 为单调递增的追加序号，供游标分页使用。
type SuggestionRecord struct {
	Seq        int64                 `json:"seq"`
	Suggestion types.TradeSuggestion `json:"suggestion"`
}

// GormStore 以 Gorm + SQLite 保存建议流与风控决策，建议写入后不再修改。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 打开（必要时创建）数据库并迁移表结构。
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 建议库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&suggestionModel{}, &decisionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// WAL 下允许少量并发读（HTTP 查询）
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close 关闭底层连接。
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------- Suggestions -------------------------

// AppendSuggestion 追加建议；同一候选 ID 已存在时不写入并返回 false。
func (s *GormStore) AppendSuggestion(ctx context.Context, sug types.TradeSuggestion) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(sug.CandidateID) == "" {
		return false, fmt.Errorf("candidate_id 必填")
	}
	payload, err := json.Marshal(sug)
	if err != nil {
		return false, fmt.Errorf("marshal suggestion %s: %w", sug.ID, err)
	}
	model := suggestionModel{
		SuggestionID:  sug.ID,
		CandidateID:   sug.CandidateID,
		Instrument:    sug.Instrument,
		Timeframe:     sug.Timeframe,
		Type:          sug.Type,
		Direction:     string(sug.Direction),
		Outcome:       string(sug.Outcome),
		Confidence:    sug.Confidence,
		Payload:       datatypes.JSON(payload),
		CreatedAtUnix: sug.Timestamp.UnixMilli(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "candidate_id"}}, DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SuggestionByCandidate 按候选 ID 查找已输出的建议。
func (s *GormStore) SuggestionByCandidate(ctx context.Context, candidateID string) (types.TradeSuggestion, bool, error) {
	if s == nil || s.db == nil {
		return types.TradeSuggestion{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var model suggestionModel
	if err := s.db.WithContext(ctx).Where("candidate_id = ?", candidateID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.TradeSuggestion{}, false, nil
		}
		return types.TradeSuggestion{}, false, err
	}
	rec, err := suggestionModelToRecord(model)
	if err != nil {
		return types.TradeSuggestion{}, false, err
	}
	return rec.Suggestion, true, nil
}

// ListSuggestions 返回 seq > afterSeq 的建议，按追加顺序排列。instrument 为空时不过滤。
func (s *GormStore) ListSuggestions(ctx context.Context, instrument string, afterSeq int64, limit int) ([]SuggestionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).Where("id > ?", afterSeq)
	if inst := strings.TrimSpace(instrument); inst != "" {
		query = query.Where("instrument = ?", inst)
	}
	var models []suggestionModel
	if err := query.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]SuggestionRecord, 0, len(models))
	for _, m := range models {
		rec, err := suggestionModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountSuggestions 建议总数。
func (s *GormStore) CountSuggestions(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&suggestionModel{}).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --------------------- Decisions -------------------------

// SaveDecision 记录风控决策（含拒绝），重复的候选 ID 忽略。
func (s *GormStore) SaveDecision(ctx context.Context, d types.RiskDecision) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	c := d.Candidate
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("candidate id 必填")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", c.ID, err)
	}
	reasons, _ := json.Marshal(reasonStrings(d.Reasons))
	model := decisionModel{
		CandidateID:   c.ID,
		Instrument:    c.Instrument,
		Timeframe:     c.Timeframe,
		Type:          c.Type,
		Outcome:       string(d.Outcome),
		ApprovedSize:  d.ApprovedSize,
		RiskFraction:  d.RiskFraction,
		Reasons:       datatypes.JSON(reasons),
		Payload:       datatypes.JSON(payload),
		DecidedAtUnix: d.DecidedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "candidate_id"}}, DoNothing: true}).
		Create(&model).Error
}

// ListDecisions 最近的决策，按时间倒序。
func (s *GormStore) ListDecisions(ctx context.Context, instrument string, limit int) ([]types.RiskDecision, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).Model(&decisionModel{})
	if inst := strings.TrimSpace(instrument); inst != "" {
		query = query.Where("instrument = ?", inst)
	}
	var models []decisionModel
	if err := query.Order("decided_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.RiskDecision, 0, len(models))
	for _, m := range models {
		var d types.RiskDecision
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			return nil, fmt.Errorf("decode decision %s: %w", m.CandidateID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// --------------------------- Models ------------------------------

type suggestionModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	SuggestionID  string         `gorm:"column:suggestion_uuid;uniqueIndex"`
	CandidateID   string         `gorm:"column:candidate_id;uniqueIndex"`
	Instrument    string         `gorm:"column:instrument;index"`
	Timeframe     string         `gorm:"column:timeframe"`
	Type          string         `gorm:"column:type"`
	Direction     string         `gorm:"column:direction"`
	Outcome       string         `gorm:"column:outcome"`
	Confidence    float64        `gorm:"column:confidence"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (suggestionModel) TableName() string { return "trade_suggestions" }

type decisionModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	CandidateID   string         `gorm:"column:candidate_id;uniqueIndex"`
	Instrument    string         `gorm:"column:instrument;index"`
	Timeframe     string         `gorm:"column:timeframe"`
	Type          string         `gorm:"column:type"`
	Outcome       string         `gorm:"column:outcome;index"`
	ApprovedSize  float64        `gorm:"column:approved_size"`
	RiskFraction  float64        `gorm:"column:risk_fraction"`
	Reasons       datatypes.JSON `gorm:"column:reasons"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	DecidedAtUnix int64          `gorm:"column:decided_at;index"`
}

func (decisionModel) TableName() string { return "risk_decisions" }

func suggestionModelToRecord(m suggestionModel) (SuggestionRecord, error) {
	var sug types.TradeSuggestion
	if err := json.Unmarshal(m.Payload, &sug); err != nil {
		return SuggestionRecord{}, fmt.Errorf("decode suggestion %s: %w", m.SuggestionID, err)
	}
	return SuggestionRecord{Seq: m.ID, Suggestion: sug}, nil
}

// --------------------------- Helpers ------------------------------------

func reasonStrings(codes []types.ReasonCode) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, string(c))
	}
	return out
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
