package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/itsneelabh/warden/config"
	"github.com/itsneelabh/warden/core"
	"github.com/itsneelabh/warden/persistence"
)

// Handler executes one capability action. Handlers return either a result
// value or a *core.OperationError; they never write audit or outbox rows
// themselves.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Snapshotter creates a pre-operation git snapshot for the repository
// containing targetPath. The git capability provides the implementation; the
// broker only holds the interface so no reference cycle forms.
type Snapshotter interface {
	SnapshotForPath(ctx context.Context, targetPath, operationID string) (string, error)
}

// Result is the broker's answer to a routed operation.
type Result struct {
	Allowed     bool                 `json:"allowed"`
	OperationID string               `json:"operation_id"`
	Tier        Tier                 `json:"tier"`
	SnapshotRef string               `json:"snapshot_ref,omitempty"`
	Result      any                  `json:"result,omitempty"`
	Error       *core.OperationError `json:"error,omitempty"`
}

// DenialText renders a denied result as the terse text relayed back through
// the chat transport.
func (r Result) DenialText() string {
	if r.Error == nil {
		return ""
	}
	return fmt.Sprintf("❌ Operation denied: %s", r.Error.Message)
}

// Router is the only permitted entry point from the agent side. It enforces
// the non-negotiable validation order: classify, validate params, validate
// scope, audit start, snapshot, execute under deadline, audit end, notify.
type Router struct {
	validator   *ScopeValidator
	cfg         *config.Manager
	audit       *persistence.AuditStore
	outbox      *persistence.OutboxStore
	snapshotter Snapshotter
	logger      *zap.Logger
	tracer      trace.Tracer

	handlers map[capabilityAction]Handler

	mu         sync.Mutex
	startTimes map[string]time.Time
}

// NewRouter creates a router with an empty dispatch table. Capabilities are
// attached with Register before the first Route call.
func NewRouter(validator *ScopeValidator, cfg *config.Manager, audit *persistence.AuditStore, outbox *persistence.OutboxStore, snapshotter Snapshotter, logger *zap.Logger) *Router {
	return &Router{
		validator:   validator,
		cfg:         cfg,
		audit:       audit,
		outbox:      outbox,
		snapshotter: snapshotter,
		logger:      logger,
		tracer:      otel.Tracer("github.com/itsneelabh/warden/broker"),
		handlers:    map[capabilityAction]Handler{},
		startTimes:  map[string]time.Time{},
	}
}

// Register adds a handler to the dispatch table. Dispatch is a plain table
// lookup keyed by (capability, action); there is no reflection.
func (r *Router) Register(capability, action string, handler Handler) {
	r.handlers[capabilityAction{capability, action}] = handler
}

// snapshotManagementActions are git operations that manage snapshots
// themselves; creating a snapshot before them would be circular.
var snapshotManagementActions = map[string]bool{
	"rollback":        true,
	"list_snapshots":  true,
	"prune_snapshots": true,
}

// Route admits, executes, and records one operation.
func (r *Router) Route(ctx context.Context, capability, action string, params map[string]any, chatID string) Result {
	// 1. Operation identity and start time.
	operationID := uuid.NewString()
	r.mu.Lock()
	r.startTimes[operationID] = time.Now()
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "broker.route", trace.WithAttributes(
		attribute.String("operation.id", operationID),
		attribute.String("operation.capability", capability),
		attribute.String("operation.action", action),
	))
	defer span.End()

	// 2. Risk tier.
	fileCount := countFiles(params)
	tier := ClassifyTier(capability, action, fileCount)
	span.SetAttributes(attribute.Int("operation.tier", int(tier)))

	// 3. Required parameters. A malformed request is rejected before any
	// audit row exists.
	if opErr := r.validateParams(capability, action, params); opErr != nil {
		r.dropStartTime(operationID)
		return Result{Allowed: false, OperationID: operationID, Tier: tier, Error: opErr}
	}

	// 4. Scope boundary.
	if opErr := r.validateScope(operationID, capability, action, params, chatID); opErr != nil {
		r.dropStartTime(operationID)
		scopeViolationsTotal.Inc()
		return Result{Allowed: false, OperationID: operationID, Tier: tier, Error: opErr}
	}

	// 5. Audit start. The in_progress row commits strictly before the
	// capability runs.
	affectedPaths := collectPaths(params)
	if err := r.audit.InsertStart(operationID, capability, action, chatID, int(tier), affectedPaths); err != nil {
		r.dropStartTime(operationID)
		return Result{Allowed: false, OperationID: operationID, Tier: tier,
			Error: core.NewErrorf(core.CodeExecutionError, "audit log unavailable: %v", err)}
	}

	// 6. Pre-operation snapshot for mutating tiers.
	snapshotRef := ""
	if (tier == TierSingleFile || tier == TierMultiFile) && !(capability == "git" && snapshotManagementActions[action]) {
		ref, err := r.createSnapshot(ctx, operationID, params)
		if err != nil {
			return r.finish(operationID, capability, action, chatID, tier, affectedPaths, "", nil, err)
		}
		snapshotRef = ref
		span.SetAttributes(attribute.String("operation.snapshot_ref", snapshotRef))
	}

	// 7. Deadline-bounded execution.
	result, err := r.execute(core.WithOperationID(ctx, operationID), capability, action, params)

	// 8–10. Audit end, outbox enqueue, result.
	return r.finish(operationID, capability, action, chatID, tier, affectedPaths, snapshotRef, result, err)
}

func (r *Router) execute(ctx context.Context, capability, action string, params map[string]any) (any, error) {
	handler, ok := r.handlers[capabilityAction{capability, action}]
	if !ok {
		return nil, core.NewErrorf(core.CodeInvalidRequest,
			"unknown operation: %s.%s", capability, action)
	}

	timeout := time.Duration(r.cfg.GetInt("broker.operation_timeout_seconds")) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, params)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, core.NewErrorf(core.CodeTimeout,
			"operation timed out after %s", timeout).AsRetryable()
	}
}

// finish writes the terminal audit row, enqueues the user notification, and
// shapes the final Result. Notification failures are logged, never
// propagated.
func (r *Router) finish(operationID, capability, action, chatID string, tier Tier, paths []string, snapshotRef string, result any, err error) Result {
	durationMs := r.takeDuration(operationID)
	operationDuration.WithLabelValues(capability, action).Observe(float64(durationMs) / 1000)

	status := "completed"
	var opErr *core.OperationError
	if err != nil {
		var ok bool
		if opErr, ok = core.AsOperationError(err); !ok {
			opErr = core.NewError(core.CodeExecutionError, err.Error())
		}
		status = "failed"
		if opErr.Code == core.CodeTimeout {
			status = "timeout"
		}
	}
	operationsTotal.WithLabelValues(capability, action, status).Inc()

	errJSON := ""
	if opErr != nil {
		if encoded, encErr := json.Marshal(opErr); encErr == nil {
			errJSON = string(encoded)
		}
	}
	if auditErr := r.audit.UpdateEnd(operationID, status, snapshotRef, durationMs, errJSON); auditErr != nil {
		r.logger.Error("audit_update_failed",
			zap.String("operation_id", operationID),
			zap.Error(auditErr))
	}

	r.enqueueNotification(operationID, capability, action, chatID, status, paths, snapshotRef, result, opErr)

	if opErr != nil {
		return Result{Allowed: false, OperationID: operationID, Tier: tier, SnapshotRef: snapshotRef, Error: opErr}
	}
	return Result{Allowed: true, OperationID: operationID, Tier: tier, SnapshotRef: snapshotRef, Result: result}
}

func (r *Router) enqueueNotification(operationID, capability, action, chatID, status string, paths []string, snapshotRef string, result any, opErr *core.OperationError) {
	enabled, err := r.outbox.NotificationsEnabled(chatID)
	if err != nil {
		r.logger.Warn("notification_toggle_read_failed",
			zap.String("chat_id", chatID), zap.Error(err))
	}
	if !enabled {
		return
	}

	text := buildNotificationText(capability, action, status, paths, snapshotRef, result, opErr)
	if _, err := r.outbox.Enqueue(operationID, chatID, text); err != nil {
		r.logger.Error("notification_enqueue_failed",
			zap.String("operation_id", operationID),
			zap.Error(err))
	}
}

// buildNotificationText renders the terse outcome message: emoji, the
// capability.action pair, affected paths, status word, change summary, and
// the snapshot ref when present.
func buildNotificationText(capability, action, status string, paths []string, snapshotRef string, result any, opErr *core.OperationError) string {
	emoji := "✅"
	switch status {
	case "timeout":
		emoji = "⏱️"
	case "failed":
		emoji = "❌"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s.%s %s", emoji, capability, action, status)
	if len(paths) > 0 {
		fmt.Fprintf(&b, "\nPaths: %s", strings.Join(paths, ", "))
	}
	if summarizer, ok := result.(core.ChangeSummarizer); ok {
		fmt.Fprintf(&b, "\nChanges: %s", summarizer.ChangeSummary())
	}
	if snapshotRef != "" {
		fmt.Fprintf(&b, "\nSnapshot: %s", snapshotRef)
	}
	if opErr != nil {
		fmt.Fprintf(&b, "\nError: %s", opErr.Error())
	}
	return b.String()
}

func (r *Router) createSnapshot(ctx context.Context, operationID string, params map[string]any) (string, error) {
	target := snapshotTarget(params)
	if target == "" || r.snapshotter == nil {
		return "", nil
	}
	ref, err := r.snapshotter.SnapshotForPath(ctx, target, operationID)
	if err != nil {
		return "", err
	}
	r.logger.Info("snapshot_created",
		zap.String("operation_id", operationID),
		zap.String("snapshot_ref", ref))
	return ref, nil
}

func snapshotTarget(params map[string]any) string {
	if p, ok := params["path"].(string); ok && p != "" {
		return p
	}
	if paths := stringList(params["paths"]); len(paths) > 0 {
		return paths[0]
	}
	if p, ok := params["repo_path"].(string); ok {
		return p
	}
	return ""
}

// requiredParams is the per-action matrix of mandatory string parameters.
// Actions absent from the map have their remaining validation done by the
// capability itself.
var requiredParams = map[capabilityAction][]string{
	{"fs", "read"}:             {"path"},
	{"fs", "list"}:             {"path"},
	{"fs", "search"}:           {"path", "pattern"},
	{"fs", "apply_patch"}:      {"path", "patch"},
	{"git", "status"}:          {"repo_path"},
	{"git", "diff"}:            {"repo_path"},
	{"git", "list_snapshots"}:  {"repo_path"},
	{"git", "rollback"}:        {"repo_path", "snapshot_ref"},
	{"git", "commit"}:          {"repo_path"},
	{"git", "checkout"}:        {"repo_path"},
	{"git", "prune_snapshots"}: {"repo_path"},
}

func (r *Router) validateParams(capability, action string, params map[string]any) *core.OperationError {
	for _, key := range requiredParams[capabilityAction{capability, action}] {
		value, ok := params[key].(string)
		if !ok || value == "" {
			return core.NewErrorf(core.CodeInvalidRequest,
				"missing required parameter %q for %s.%s", key, capability, action).
				WithDetails(map[string]any{"parameter": key})
		}
	}
	return nil
}

func (r *Router) validateScope(operationID, capability, action string, params map[string]any, chatID string) *core.OperationError {
	var candidates []string
	switch capability {
	case "fs":
		if p, ok := params["path"].(string); ok {
			candidates = append(candidates, p)
		}
		candidates = append(candidates, stringList(params["paths"])...)
	case "git":
		if p, ok := params["repo_path"].(string); ok {
			candidates = append(candidates, p)
		}
	default:
		return nil
	}

	for _, path := range candidates {
		ok, reason := r.validator.Validate(path)
		if ok {
			continue
		}
		normalized := r.validator.NormalizedPath(path)
		roots := r.validator.AllowedRoots()
		r.logger.Warn("scope_violation_blocked",
			zap.String("operation_id", operationID),
			zap.String("chat_id", chatID),
			zap.String("capability", capability),
			zap.String("action", action),
			zap.String("attempted_path", path),
			zap.String("normalized_path", normalized),
			zap.Strings("allowed_roots", roots))
		return core.NewError(core.CodeScopeViolation, reason).WithDetails(map[string]any{
			"path":            path,
			"normalized_path": normalized,
			"allowed_roots":   roots,
		})
	}
	return nil
}

func (r *Router) dropStartTime(operationID string) {
	r.mu.Lock()
	delete(r.startTimes, operationID)
	r.mu.Unlock()
}

func (r *Router) takeDuration(operationID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.startTimes[operationID]
	if !ok {
		return 0
	}
	delete(r.startTimes, operationID)
	return time.Since(start).Milliseconds()
}

// InFlight returns the number of operations between audit start and audit
// end, for observability.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.startTimes)
}

func countFiles(params map[string]any) int {
	if _, ok := params["path"].(string); ok {
		return 1
	}
	if paths := stringList(params["paths"]); paths != nil {
		return len(paths)
	}
	return 0
}

func collectPaths(params map[string]any) []string {
	var out []string
	if p, ok := params["path"].(string); ok && p != "" {
		out = append(out, p)
	}
	out = append(out, stringList(params["paths"])...)
	if len(out) == 0 {
		if p, ok := params["repo_path"].(string); ok && p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stringList coerces a params entry that may arrive as []string (internal
// callers) or []any (decoded JSON) into a string slice.
func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
