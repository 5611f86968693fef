package loader

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"optionsflow/internal/logger"
	"optionsflow/internal/pkg/symbol"
)

//go:embed templates.schema.json
var templatesSchema string

// 模板字段缺省值
const (
	DefaultMinConfidence = 0.6
	DefaultRewardRatio   = 2.0
	DefaultPositionSize  = 0.01
	DefaultATRMultiple   = 1.5
	DefaultStopPct       = 0.02
)

// Template 描述一个策略模板：触发谓词为 Conditions 的合取。
type Template struct {
	Type          string      `yaml:"type"`
	Description   string      `yaml:"description"`
	Direction     string      `yaml:"direction"`
	Enabled       *bool       `yaml:"enabled"`
	Instruments   []string    `yaml:"instruments"`
	Timeframes    []string    `yaml:"timeframes"`
	MinConfidence float64     `yaml:"min_confidence"`
	RewardRatio   float64     `yaml:"reward_ratio"`
	PositionSize  float64     `yaml:"position_size"`
	Stop          StopRule    `yaml:"stop"`
	Conditions    []Condition `yaml:"conditions"`
}

// Condition 为指标区间条件（Indicator 非空）或形态存在条件（Pattern 非空）。
type Condition struct {
	Indicator     string   `yaml:"indicator"`
	Field         string   `yaml:"field"`
	Min           *float64 `yaml:"min"`
	Max           *float64 `yaml:"max"`
	Pattern       string   `yaml:"pattern"`
	SubType       string   `yaml:"sub_type"`
	MinConfidence float64  `yaml:"min_confidence"`
	Weight        float64  `yaml:"weight"`
}

// StopRule 止损距离：优先 ATR 倍数，ATR 不可用时使用百分比。
type StopRule struct {
	ATRMultiple float64 `yaml:"atr_multiple"`
	Pct         float64 `yaml:"pct"`
}

func (t Template) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// AppliesTo 判断模板是否适用于给定品种与周期；列表为空表示不限制。
func (t Template) AppliesTo(instrument, timeframe string) bool {
	return matchAny(t.Instruments, instrument) && matchAny(t.Timeframes, timeframe)
}

func (c Condition) IsPattern() bool { return c.Pattern != "" }

func (c Condition) Label() string {
	if c.IsPattern() {
		if c.SubType != "" {
			return c.Pattern + "/" + c.SubType
		}
		return c.Pattern
	}
	if c.Field != "" {
		return c.Indicator + "." + c.Field
	}
	return c.Indicator
}

// FileConfig 映射模板文件。
type FileConfig struct {
	Templates []Template `yaml:"templates"`
}

// Snapshot 对外暴露的只读快照。
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates []Template
}

// ChangeListener 在模板重载后被调用。
type ChangeListener func(Snapshot)

// TemplateRegistry 从 YAML 加载策略模板，可选监听文件变更热更新。
// 重载失败时保留上一份有效快照。
type TemplateRegistry struct {
	path string

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewTemplateRegistry 读取模板文件；watch=true 时通过 viper/fsnotify 监听变更。
func NewTemplateRegistry(path string, watch bool) (*TemplateRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("template registry requires path")
	}
	r := &TemplateRegistry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read strategy templates failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				logger.Errorf("[templates] reload failed (%s): %v", evt.Name, err)
				return
			}
			r.notify()
		})
		v.WatchConfig()
	}
	return r, nil
}

// NewStaticRegistry 用给定模板构造不监听文件的注册表。
func NewStaticRegistry(templates ...Template) (*TemplateRegistry, error) {
	normalized, err := normalizeTemplates(templates)
	if err != nil {
		return nil, err
	}
	return &TemplateRegistry{snapshot: Snapshot{Version: 1, LoadedAt: time.Now(), Templates: normalized}}, nil
}

// Snapshot 返回当前模板快照的副本。
func (r *TemplateRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Subscribe 注册监听器。
func (r *TemplateRegistry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload 手动重新读取模板文件。
func (r *TemplateRegistry) Reload() error {
	if err := r.reload(); err != nil {
		return err
	}
	r.notify()
	return nil
}

func (r *TemplateRegistry) reload() error {
	templates, err := LoadTemplates(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("[templates] loaded %d strategy templates from %s", len(templates), filepath.Base(r.path))
	return nil
}

func (r *TemplateRegistry) notify() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("[templates] listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

// LoadTemplates 读取并校验模板文件：先做 JSON Schema 校验，再严格解码（拒绝未知字段）。
func LoadTemplates(path string) ([]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy templates failed: %w", err)
	}
	return ParseTemplates(raw)
}

func ParseTemplates(raw []byte) ([]Template, error) {
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("strategy templates schema: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse strategy templates failed: %w", err)
	}
	return normalizeTemplates(cfg.Templates)
}

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func validateAgainstSchema(raw []byte) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("templates.schema.json", strings.NewReader(templatesSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("templates.schema.json")
	})
	if schemaErr != nil {
		return schemaErr
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var inst any
	if err := json.Unmarshal(buf, &inst); err != nil {
		return err
	}
	return schemaCompiled.Validate(inst)
}

func normalizeTemplates(in []Template) ([]Template, error) {
	seen := make(map[string]bool, len(in))
	out := make([]Template, 0, len(in))
	for i, tpl := range in {
		tpl.Type = strings.TrimSpace(tpl.Type)
		if tpl.Type == "" {
			return nil, fmt.Errorf("templates[%d]: type required", i)
		}
		if seen[tpl.Type] {
			return nil, fmt.Errorf("templates[%d]: duplicate type %s", i, tpl.Type)
		}
		seen[tpl.Type] = true
		tpl.Direction = strings.ToLower(strings.TrimSpace(tpl.Direction))
		if tpl.Direction != "long" && tpl.Direction != "short" {
			return nil, fmt.Errorf("template %s: direction must be long or short", tpl.Type)
		}
		if len(tpl.Conditions) == 0 {
			return nil, fmt.Errorf("template %s: at least one condition required", tpl.Type)
		}
		if tpl.MinConfidence <= 0 {
			tpl.MinConfidence = DefaultMinConfidence
		}
		if tpl.RewardRatio <= 0 {
			tpl.RewardRatio = DefaultRewardRatio
		}
		if tpl.PositionSize <= 0 {
			tpl.PositionSize = DefaultPositionSize
		}
		if tpl.Stop.ATRMultiple <= 0 && tpl.Stop.Pct <= 0 {
			tpl.Stop.ATRMultiple = DefaultATRMultiple
		}
		if tpl.Stop.Pct <= 0 {
			tpl.Stop.Pct = DefaultStopPct
		}
		tpl.Timeframes = lowerAll(tpl.Timeframes)
		tpl.Instruments = symbol.NormalizeList(tpl.Instruments)
		conds := make([]Condition, len(tpl.Conditions))
		for j, c := range tpl.Conditions {
			c.Indicator = strings.TrimSpace(c.Indicator)
			c.Pattern = strings.TrimSpace(c.Pattern)
			if (c.Indicator == "") == (c.Pattern == "") {
				return nil, fmt.Errorf("template %s condition %d: exactly one of indicator/pattern", tpl.Type, j)
			}
			if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
				return nil, fmt.Errorf("template %s condition %s: min > max", tpl.Type, c.Label())
			}
			if c.Weight <= 0 {
				c.Weight = 1
			}
			conds[j] = c
		}
		tpl.Conditions = conds
		out = append(out, tpl)
	}
	return out, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	return Snapshot{
		Version:   src.Version,
		LoadedAt:  src.LoadedAt,
		Templates: append([]Template(nil), src.Templates...),
	}
}

func matchAny(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
