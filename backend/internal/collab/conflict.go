package collab

import (
	"fmt"
	"strings"
)

const (
	StrategyLastWriterWins = "last_writer_wins"
	StrategyMergeChanges   = "merge_changes"
	StrategyManualReview   = "manual_review"
)

type Outcome int

const (
	OutcomeApply Outcome = iota
	// 不自动写入，交给人工
	OutcomeReview
)

// Resolution 冲突解决结果：对 Section 写入 Fields；ReplaceSection 时整个 section 被替换
type Resolution struct {
	Outcome        Outcome
	Section        string
	Fields         map[string]any
	ReplaceSection bool
}

// Strategy 过期操作（BaseVersion 落后于当前版本）的冲突解决策略。
// ops 按提交顺序排列：同 section 上 BaseVersion 之后已提交的操作，最后一个是本次传入的操作（ResultingVersion 为 0）。
type Strategy interface {
	Name() string
	Resolve(ops []AppliedOperation) Resolution
}

type LastWriterWins struct{}

func (LastWriterWins) Name() string { return StrategyLastWriterWins }

// Resolve 取 AppliedAt 最新的操作；时间相同取后提交的
func (LastWriterWins) Resolve(ops []AppliedOperation) Resolution {
	if len(ops) == 0 {
		return Resolution{Outcome: OutcomeApply}
	}
	latest := ops[0]
	for _, op := range ops[1:] {
		if !op.AppliedAt.Before(latest.AppliedAt) {
			latest = op
		}
	}
	return Resolution{
		Outcome:        OutcomeApply,
		Section:        latest.Operation.Section,
		Fields:         operationFields(latest.Operation),
		ReplaceSection: latest.Operation.IsSectionWrite(),
	}
}

type MergeChanges struct{}

func (MergeChanges) Name() string { return StrategyMergeChanges }

// Resolve 对所有冲突操作的字段取并集，同一字段后写的覆盖先写的
func (MergeChanges) Resolve(ops []AppliedOperation) Resolution {
	res := Resolution{Outcome: OutcomeApply, Fields: make(map[string]any)}
	for _, op := range ops {
		res.Section = op.Operation.Section
		for k, v := range operationFields(op.Operation) {
			res.Fields[k] = v
		}
	}
	return res
}

type ManualReview struct{}

func (ManualReview) Name() string { return StrategyManualReview }

func (ManualReview) Resolve(ops []AppliedOperation) Resolution {
	res := Resolution{Outcome: OutcomeReview}
	if n := len(ops); n > 0 {
		res.Section = ops[n-1].Operation.Section
	}
	return res
}

// StrategyByName 空名字返回默认的 LastWriterWins
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyLastWriterWins, "lww":
		return LastWriterWins{}, nil
	case StrategyMergeChanges, "merge":
		return MergeChanges{}, nil
	case StrategyManualReview, "manual":
		return ManualReview{}, nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", name)
}

// StrategySelector 按资源选择策略；选择本身由外部配置决定
type StrategySelector func(resourceID string) Strategy

// StaticStrategies 默认策略 + 按资源覆盖
func StaticStrategies(def Strategy, overrides map[string]Strategy) StrategySelector {
	if def == nil {
		def = LastWriterWins{}
	}
	return func(resourceID string) Strategy {
		if s, ok := overrides[resourceID]; ok && s != nil {
			return s
		}
		return def
	}
}

func operationFields(op Operation) map[string]any {
	if m, ok := op.Value.(map[string]any); ok && op.Field == "" {
		return cloneFields(m)
	}
	return map[string]any{op.Field: op.Value}
}
