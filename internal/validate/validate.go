// Package validate checks that agents produced what the pipeline definition
// says they must: declared deliverable files exist and are well formed, queue
// and report files appear as a symmetric pair, and the severity-weighted
// exploitation decision is computed from the queue. Validation never panics;
// every check returns a structured result the caller interprets.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lancet/api/schemas"
	"github.com/xkilldash9x/lancet/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Result is the outcome of a deliverable check. Errors make the result
// invalid; warnings do not.
type Result struct {
	Valid        bool
	MissingFiles []string
	Errors       []string
	Warnings     []string
}

// Decision is the severity-weighted verdict on whether a category's
// exploitation agent should run at all.
type Decision struct {
	ShouldExploit bool
	// Reason is a human-readable explanation, filled in for both verdicts.
	Reason string
	// Actionable is the count of critical/high/medium items.
	Actionable int
	// Queue is the parsed, priority-ranked queue when one was readable.
	Queue *schemas.ExploitQueue
}

// Validator checks deliverables under one session work directory.
type Validator struct {
	workDir string
	log     *zap.Logger
}

// New builds a Validator rooted at workDir.
func New(workDir string, logger *zap.Logger) *Validator {
	return &Validator{workDir: workDir, log: logger.Named("validate")}
}

// CheckDeliverables asserts that each declared output of the agent exists and
// is non-empty, and that structured (JSON) outputs parse with their required
// top-level fields. For analysis agents it additionally enforces the
// queue/report symmetry rule.
func (v *Validator) CheckDeliverables(agent schemas.AgentDefinition) Result {
	res := Result{Valid: true}

	for _, rel := range agent.Deliverables {
		abs := filepath.Join(v.workDir, rel)
		info, err := os.Stat(abs)
		if err != nil {
			res.MissingFiles = append(res.MissingFiles, rel)
			continue
		}
		if info.Size() == 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("%s is empty", rel))
			continue
		}
		if strings.HasSuffix(rel, ".json") {
			if errs := v.checkQueueShape(abs, rel); len(errs) > 0 {
				res.Errors = append(res.Errors, errs...)
			}
		}
	}

	if agent.Phase == schemas.PhaseAnalysis && agent.Category != "" {
		if err := v.checkQueueSymmetry(agent.Category); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	if len(res.MissingFiles) > 0 || len(res.Errors) > 0 {
		res.Valid = false
		v.log.Debug("Deliverable validation failed",
			zap.String("agent", agent.ID),
			zap.Strings("missing", res.MissingFiles),
			zap.Strings("errors", res.Errors),
		)
	}
	return res
}

// checkQueueSymmetry enforces the pairing rule: the machine-readable queue and
// the human-readable analysis report must both exist or both be absent.
// Asymmetry is an error regardless of whether either file individually parses.
func (v *Validator) checkQueueSymmetry(category string) error {
	queueExists := v.exists(pipeline.QueuePath(category))
	reportExists := v.exists(pipeline.AnalysisReportPath(category))
	switch {
	case queueExists && !reportExists:
		return fmt.Errorf("queue %s exists but its paired report is missing", pipeline.QueuePath(category))
	case reportExists && !queueExists:
		return fmt.Errorf("report %s exists but its paired queue is missing", pipeline.AnalysisReportPath(category))
	default:
		return nil
	}
}

// ExploitDecision loads the category's queue and decides whether the
// exploitation agent runs. A missing, unreadable or asymmetric queue yields a
// negative decision with the reason spelled out; the pipeline is data
// dependent, not purely structural.
func (v *Validator) ExploitDecision(category string) Decision {
	if err := v.checkQueueSymmetry(category); err != nil {
		return Decision{ShouldExploit: false, Reason: err.Error()}
	}

	queuePath := pipeline.QueuePath(category)
	if !v.exists(queuePath) {
		return Decision{ShouldExploit: false, Reason: fmt.Sprintf("no queue produced at %s", queuePath)}
	}

	queue, err := v.LoadQueue(queuePath)
	if err != nil {
		return Decision{ShouldExploit: false, Reason: fmt.Sprintf("queue unreadable: %v", err)}
	}

	actionable := queue.Actionable()
	if actionable == 0 {
		reason := "queue is empty"
		if len(queue.Items) > 0 {
			reason = fmt.Sprintf("queue holds %d items, none above low severity", len(queue.Items))
		}
		return Decision{ShouldExploit: false, Reason: reason, Queue: queue}
	}

	return Decision{
		ShouldExploit: true,
		Reason:        fmt.Sprintf("%d actionable items (critical/high/medium)", actionable),
		Actionable:    actionable,
		Queue:         queue,
	}
}

// LoadQueue parses and validates a queue file. Every item must carry an id, a
// matching category and a known severity; the derived priority rank is
// recomputed from the severity and the items are sorted by it, highest first.
func (v *Validator) LoadQueue(rel string) (*schemas.ExploitQueue, error) {
	data, err := os.ReadFile(filepath.Join(v.workDir, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	var queue schemas.ExploitQueue
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}
	if queue.Category == "" {
		return nil, fmt.Errorf("queue is missing its category field")
	}
	if queue.CreatedAt.IsZero() {
		return nil, fmt.Errorf("queue is missing its createdAt field")
	}

	for i := range queue.Items {
		it := &queue.Items[i]
		if it.ID == "" {
			return nil, fmt.Errorf("queue item %d has no id", i)
		}
		if !it.Severity.Valid() {
			return nil, fmt.Errorf("queue item %s has unknown severity %q", it.ID, it.Severity)
		}
		if it.Category == "" {
			it.Category = queue.Category
		}
		it.Priority = it.Severity.Weight()
	}

	sort.SliceStable(queue.Items, func(i, j int) bool {
		return queue.Items[i].Priority > queue.Items[j].Priority
	})
	return &queue, nil
}

// checkQueueShape verifies the required top-level fields of a structured
// deliverable without committing to the exploitation decision.
func (v *Validator) checkQueueShape(abs, rel string) []string {
	data, err := os.ReadFile(abs)
	if err != nil {
		return []string{fmt.Sprintf("%s unreadable: %v", rel, err)}
	}
	var queue schemas.ExploitQueue
	if err := json.Unmarshal(data, &queue); err != nil {
		return []string{fmt.Sprintf("%s does not parse: %v", rel, err)}
	}
	var errs []string
	if queue.Category == "" {
		errs = append(errs, fmt.Sprintf("%s is missing its category field", rel))
	}
	if queue.CreatedAt.IsZero() {
		errs = append(errs, fmt.Sprintf("%s is missing its createdAt field", rel))
	}
	for i, it := range queue.Items {
		if it.ID == "" {
			errs = append(errs, fmt.Sprintf("%s item %d has no id", rel, i))
		}
		if !it.Severity.Valid() {
			errs = append(errs, fmt.Sprintf("%s item %d has unknown severity %q", rel, i, it.Severity))
		}
	}
	return errs
}

func (v *Validator) exists(rel string) bool {
	info, err := os.Stat(filepath.Join(v.workDir, rel))
	return err == nil && info.Size() > 0
}
