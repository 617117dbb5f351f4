package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/simbridge/internal/config"
	"github.com/zulandar/simbridge/internal/db"
	"github.com/zulandar/simbridge/internal/engine"
)

const doctorTimeout = 10 * time.Second

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites and configuration",
		Long:  "Runs diagnostic checks: config, engine binary, scenario file, engine version, API port and ledger.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to simbridge config file")
	return cmd
}

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Simbridge Doctor")
	fmt.Fprintln(out, "================")

	cfg, cfgResult := checkConfig(configPath)
	results := []checkResult{cfgResult}

	if cfg != nil {
		ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
		defer cancel()

		sup := engine.NewSupervisor(engine.Options{Binary: cfg.Engine.Binary, SumoHome: cfg.Engine.SumoHome})
		results = append(results,
			checkBinary(sup.ResolveBinary(cfg.Engine.GUI)),
			checkScenario(cfg.Engine.ConfigPath),
			checkVersion(ctx, sup, cfg.Engine.GUI),
			checkPort("API port", cfg.API.ListenPort),
			checkLedger(cfg),
		)
	} else {
		for _, name := range []string{"Engine binary", "Scenario", "Engine version", "API port", "Ledger"} {
			results = append(results, checkResult{name, "FAIL", "skipped (no config)"})
		}
	}

	passed, failed, warned := 0, 0, 0
	for _, r := range results {
		printCheckResult(out, r)
		switch r.status {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "WARN":
			warned++
		}
	}
	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", passed, failed, warned)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printCheckResult(out io.Writer, r checkResult) {
	fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
}

func checkConfig(path string) (*config.Config, checkResult) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, checkResult{"Config file", "FAIL", fmt.Sprintf("%s: %v", path, err)}
	}
	return cfg, checkResult{"Config file", "PASS", path}
}

func checkBinary(binary string) checkResult {
	path, err := exec.LookPath(binary)
	if err != nil {
		return checkResult{"Engine binary", "FAIL", fmt.Sprintf("%s not found (set engine.binary or SUMO_HOME)", binary)}
	}
	return checkResult{"Engine binary", "PASS", path}
}

func checkScenario(path string) checkResult {
	if path == "" {
		return checkResult{"Scenario", "WARN", "engine.config_path not set (POST /start must name one)"}
	}
	if _, err := os.Stat(path); err != nil {
		return checkResult{"Scenario", "FAIL", err.Error()}
	}
	return checkResult{"Scenario", "PASS", path}
}

func checkVersion(ctx context.Context, sup *engine.Supervisor, gui bool) checkResult {
	v, err := sup.Version(ctx, gui)
	if err != nil {
		return checkResult{"Engine version", "FAIL", err.Error()}
	}
	return checkResult{"Engine version", "PASS", v}
}

func checkPort(name string, port int) checkResult {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return checkResult{name, "WARN", fmt.Sprintf("%d in use: %v", port, err)}
	}
	ln.Close()
	return checkResult{name, "PASS", fmt.Sprintf("%d available", port)}
}

func checkLedger(cfg *config.Config) checkResult {
	if cfg.Ledger.Driver == db.DriverNone {
		return checkResult{"Ledger", "WARN", "disabled"}
	}
	gdb, err := db.Open(cfg.Ledger.Driver, cfg.Ledger.DSN)
	if err != nil {
		return checkResult{"Ledger", "FAIL", err.Error()}
	}
	defer db.Close(gdb)
	if err := db.AutoMigrate(gdb); err != nil {
		return checkResult{"Ledger", "FAIL", err.Error()}
	}
	return checkResult{"Ledger", "PASS", fmt.Sprintf("%s %s", cfg.Ledger.Driver, cfg.Ledger.DSN)}
}
