package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dwsmith1983/tridx/internal/alert"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// FormatHealth renders a snapshot as sorted key=value lines.
func FormatHealth(snap types.HealthSnapshot) string {
	kv := map[string]string{
		"run_id":                   snap.RunID,
		"status":                   string(snap.Status),
		"updated_at":               snap.UpdatedAt.UTC().Format(time.RFC3339),
		"max_calendar":             types.FormatDate(snap.MaxDates.Calendar),
		"max_canonical":            types.FormatDate(snap.MaxDates.Canonical),
		"max_levels":               types.FormatDate(snap.MaxDates.Levels),
		"max_stats":                types.FormatDate(snap.MaxDates.Stats),
		"next_missing_trading_day": types.FormatDate(snap.NextMissingTradingDay),
		"calendar_behind_provider": strconv.FormatBool(snap.CalendarBehindProvider),
		"budget_exhausted":         strconv.FormatBool(snap.BudgetExhausted),
		"incomplete_days":          strconv.Itoa(snap.IncompleteDays),
		"last_error":               oneLine(snap.LastError),
	}
	for stage, d := range snap.StageDurations {
		kv["stage."+strings.ToLower(string(stage))+".duration_ms"] = strconv.FormatInt(d.Milliseconds(), 10)
	}
	for stage, outcome := range snap.StageOutcomes {
		kv["stage."+strings.ToLower(string(stage))+".outcome"] = oneLine(outcome)
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}
	return b.String()
}

// WriteHealthFile replaces path with the rendered snapshot.
func WriteHealthFile(path string, snap types.HealthSnapshot) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("creating health temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(FormatHealth(snap)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing health file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing health file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing health file: %w", err)
	}
	return nil
}

// PublishHealth uploads the rendered snapshot to bucket under health/<name>.
func PublishHealth(ctx context.Context, client alert.S3API, bucket, name string, snap types.HealthSnapshot) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String("health/" + name),
		Body:        bytes.NewReader([]byte(FormatHealth(snap))),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("publishing health snapshot: %w", err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
