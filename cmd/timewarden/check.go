package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/yiays/timewarden/internal/config"
	"github.com/yiays/timewarden/internal/storage/bolt"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Diagnose the local configuration and state",
	Long: `Load the configuration and the local state, print the resolved limits,
remaining time and next bedtime boundary, and probe the sync service.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
)

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("%s configuration: %v\n", failMark("✗"), err)
		return err
	}
	fmt.Printf("%s configuration loaded from %s\n", okMark("✓"), configPath)

	checkState(cfg)
	checkSync(cfg)
	return nil
}

func checkState(cfg *config.Config) {
	// bbolt holds an exclusive file lock, so this fails fast while the
	// agent is running.
	store, err := bolt.Open(cfg.Agent.StatePath)
	if err != nil {
		fmt.Printf("%s state: cannot open %s (%v)\n", failMark("✗"), cfg.Agent.StatePath, err)
		fmt.Printf("  is the agent running? stop it before inspecting state\n")
		return
	}
	defer store.Close()

	st, found, err := store.Load()
	if err != nil {
		fmt.Printf("%s state: %v\n", failMark("✗"), err)
		return
	}
	if !found {
		fmt.Printf("%s state: no state yet (first agent run will create it)\n", warnMark("-"))
		return
	}

	now := time.Now()
	st.Rollover(now)
	window, bedtimeEnabled := st.RefreshBedtimeLimit(now)

	fmt.Printf("%s state loaded from %s\n", okMark("✓"), cfg.Agent.StatePath)
	fmt.Printf("  uuid:            %s\n", st.UUID)
	fmt.Printf("  daily limit:     %s\n", st.DailyLimit)
	fmt.Printf("  today limit:     %s\n", st.TodayLimit)
	fmt.Printf("  used today:      %s (%s)\n", st.UsedTime, st.UsageDate)
	fmt.Printf("  effective limit: %s\n", st.Effective())

	rem := st.Remaining()
	switch {
	case !rem.IsBounded():
		fmt.Printf("  remaining:       %s\n", okMark("unlimited"))
	case rem.Duration() == 0:
		fmt.Printf("  remaining:       %s\n", failMark("none"))
	default:
		fmt.Printf("  remaining:       %s\n", okMark(rem.String()))
	}

	if bedtimeEnabled {
		if window <= 0 {
			fmt.Printf("  bedtime:         %s (past %s, wake %s)\n",
				warnMark("in effect"), st.Bedtime, st.Waketime)
		} else {
			fmt.Printf("  bedtime:         %s at %s (in %s)\n",
				okMark("upcoming"), st.Bedtime, window.Round(time.Second))
		}
	} else {
		fmt.Printf("  bedtime:         disabled\n")
	}

	if st.Credential != uuid.Nil {
		fmt.Printf("  credential:      present\n")
	} else {
		fmt.Printf("  credential:      %s\n", warnMark("not yet minted"))
	}
}

func checkSync(cfg *config.Config) {
	if cfg.Agent.SyncURL == "" {
		fmt.Printf("%s sync: not configured (offline mode)\n", warnMark("-"))
		return
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(cfg.Agent.SyncURL + "/health")
	if err != nil {
		fmt.Printf("%s sync: %s unreachable (%v)\n", failMark("✗"), cfg.Agent.SyncURL, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("%s sync: %s returned %s\n", failMark("✗"), cfg.Agent.SyncURL, resp.Status)
		return
	}
	fmt.Printf("%s sync: %s reachable\n", okMark("✓"), cfg.Agent.SyncURL)
}
