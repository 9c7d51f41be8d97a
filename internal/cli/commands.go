package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kairoshq/kairos/internal/core"
	"github.com/kairoshq/kairos/internal/dedup"
	"github.com/kairoshq/kairos/internal/engine"
	"github.com/kairoshq/kairos/internal/readiness"
	"github.com/kairoshq/kairos/internal/store"
)

// openEngine opens the database and wraps it in an engine without
// starting the background consumers; CLI commands run them inline
// where needed.
func openEngine() (*engine.Engine, error) {
	dbPath := os.Getenv("KAIROS_DB")
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return engine.New(db, engine.Options{}), nil
}

// cliUser resolves the acting user. Kairos data is per-user; a local
// install is a single user.
func cliUser() string {
	if u := os.Getenv("KAIROS_USER"); u != "" {
		return u
	}
	return "local"
}

// --- add command ---

var (
	addCapacity string
	addMinutes  int
	addList     string
)

var addCmd = &cobra.Command{
	Use:   "add [label]",
	Short: "Capture a task or list item (duplicates merge)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

func runAdd(cmd *cobra.Command, args []string) error {
	label := strings.Join(args, " ")

	eng, err := openEngine()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer eng.DB.Close()

	req := dedup.Request{
		UserID:        cliUser(),
		NormalizedKey: dedup.NormalizeKey(label),
	}
	if addList != "" {
		req.EntityType = core.EntityListItem
		req.Payload = core.Payload{ListItem: &core.ListItemPayload{
			Label:     label,
			ListName:  addList,
			Signature: dedup.NormalizeKey(label),
		}}
	} else {
		req.EntityType = core.EntityTask
		req.Payload = core.Payload{Task: &core.TaskPayload{
			Label:            label,
			RequiredCapacity: addCapacity,
			EstimatedMinutes: addMinutes,
			Signature:        dedup.NormalizeKey(label),
		}}
	}

	out, err := eng.CreateOrMerge(context.Background(), req)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	if out.Status == dedup.StatusMerged {
		fmt.Printf("merged into existing %s (%s)\n", out.Entity.EntityID, label)
	} else {
		fmt.Printf("created %s (%s)\n", out.Entity.EntityID, label)
	}
	return nil
}

// --- checkin command ---

var checkinCmd = &cobra.Command{
	Use:   "checkin [score]",
	Short: "Record an explicit energy check-in (0-1)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckin,
}

func runCheckin(cmd *cobra.Command, args []string) error {
	score, err := strconv.ParseFloat(args[0], 64)
	if err != nil || score < 0 || score > 1 {
		return fmt.Errorf("score must be a number in [0,1]")
	}

	eng, err := openEngine()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer eng.DB.Close()

	snap, err := eng.RecordExplicit(context.Background(), cliUser(), score, 0)
	if err != nil {
		return fmt.Errorf("checkin: %w", err)
	}
	fmt.Printf("recorded energy %.2f at %s\n", snap.Score, fmtTime(snap.Timestamp))
	return nil
}

// --- energy command ---

var energyCmd = &cobra.Command{
	Use:   "energy",
	Short: "Show the current blended energy estimate",
	RunE:  runEnergy,
}

func runEnergy(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer eng.DB.Close()

	snap, err := eng.Estimate(context.Background(), cliUser(), 0)
	if err != nil {
		return fmt.Errorf("estimate: %w", err)
	}
	fmt.Printf("energy %.2f (confidence %.2f, source %s)\n", snap.Score, snap.Confidence, snap.Source)
	for k, v := range snap.Factors {
		fmt.Printf("  %s: %.3f\n", k, v)
	}
	return nil
}

// --- rank command ---

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank open tasks by readiness",
	RunE:  runRank,
}

func runRank(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer eng.DB.Close()

	ranked, err := eng.Rank(context.Background(), cliUser(), nil, readiness.Options{})
	if err != nil {
		return fmt.Errorf("rank: %w", err)
	}
	if len(ranked) == 0 {
		fmt.Println("No open tasks.")
		return nil
	}

	for i, r := range ranked {
		marker := " "
		if r.Ready {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s (%s)\n", marker, i+1, r.Entity.Payload.Label(), r.Entity.EntityID)
		for _, reason := range r.Reasons {
			fmt.Printf("      - %s\n", reason)
		}
	}
	return nil
}

// --- patterns command ---

var patternsDue bool

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show detected recurrence patterns",
	RunE:  runPatterns,
}

func runPatterns(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer eng.DB.Close()

	ctx := context.Background()

	// Catch the detector up before reading.
	if _, err := eng.Detector.Run(ctx); err != nil {
		return fmt.Errorf("detector: %w", err)
	}

	asOf := time.Now().UnixMilli()
	if !patternsDue {
		// Far-future probe lists everything with a prediction.
		asOf = time.Now().AddDate(10, 0, 0).UnixMilli()
	}
	patterns, err := eng.DuePatterns(ctx, cliUser(), asOf)
	if err != nil {
		return fmt.Errorf("patterns: %w", err)
	}
	if len(patterns) == 0 {
		fmt.Println("No recurrence patterns yet.")
		return nil
	}

	for _, p := range patterns {
		fmt.Printf("%s: every ~%s (n=%d, confidence %.2f), next %s\n",
			p.Signature, fmtInterval(p.MeanInterval), p.SampleCount, p.Confidence, fmtTime(p.NextPredicted))
	}
	return nil
}

// --- history command ---

var historyCmd = &cobra.Command{
	Use:   "history [entity-id]",
	Short: "Show an entity's bi-temporal version timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer eng.DB.Close()

	versions, err := eng.History(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if len(versions) == 0 {
		fmt.Println("No versions found.")
		return nil
	}

	for _, v := range versions {
		marker := " "
		if v.IsCurrent {
			marker = "*"
		}
		fmt.Printf("%s %s  valid [%s, %s)  stored [%s, %s)  state=%s\n",
			marker, v.VersionID[:8],
			fmtTime(v.ValidFrom), fmtOptTime(v.ValidTo),
			fmtTime(v.StoredFrom), fmtOptTime(v.StoredTo),
			v.State)
	}
	return nil
}

func init() {
	addCmd.Flags().StringVar(&addCapacity, "capacity", "", "Required capacity: low, medium, high")
	addCmd.Flags().IntVar(&addMinutes, "minutes", 0, "Estimated duration in minutes")
	addCmd.Flags().StringVar(&addList, "list", "", "Add to a named list instead of tasks")

	patternsCmd.Flags().BoolVar(&patternsDue, "due", false, "Only patterns predicted due now")
}

func fmtTime(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func fmtOptTime(ms *int64) string {
	if ms == nil {
		return "..."
	}
	return fmtTime(*ms)
}

func fmtInterval(ms float64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	case d >= 2*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
}
