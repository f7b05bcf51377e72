package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/doctor"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/ui"
)

// DoctorOptions holds options for the doctor command.
type DoctorOptions struct {
	JSON    bool
	NoHosts bool
}

// DoctorOutput is the JSON form of a doctor report.
type DoctorOutput struct {
	Results []doctor.CheckResult `json:"results"`
	Summary SummaryOutput        `json:"summary"`
}

// SummaryOutput summarizes the check results.
type SummaryOutput struct {
	Pass     int  `json:"pass"`
	Warn     int  `json:"warn"`
	Fail     int  `json:"fail"`
	AllClear bool `json:"all_clear"`
}

var doctorCategories = []string{"CONFIG", "SECRETS", "STORE", "SSH", "HOSTS"}

func newDoctorCmd(a *app) *cobra.Command {
	var opts DoctorOptions
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose config, credentials and host connectivity",
		Long: `Check that the config loads, the credential passphrase opens stored
secrets, the store is readable and every registered host accepts a
connection. Exits non-zero when any check fails.

Examples:
  fleet doctor
  fleet doctor --no-hosts
  fleet doctor --json`,
		Args: cobra.NoArgs,
		// A broken config is a finding here, not a reason to stop.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.doctor(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "output in JSON format")
	cmd.Flags().BoolVar(&opts.NoHosts, "no-hosts", false, "skip host connectivity checks")
	return cmd
}

func (a *app) doctor(cmd *cobra.Command, opts DoctorOptions) error {
	ctx := cmd.Context()
	results := doctor.RunAll(ctx, []doctor.Check{&doctor.ConfigCheck{ConfigPath: a.opts.configPath}}, 1)
	if !doctor.HasFailures(results) {
		if err := a.setup(cmd); err != nil {
			return err
		}

		storeCheck := &doctor.StoreCheck{Path: a.cfg.Store.Path}
		results = append(results, doctor.RunAll(ctx, []doctor.Check{
			storeCheck,
			&doctor.KnownHostsCheck{Strict: a.cfg.Transport.StrictHostKey, Path: a.cfg.Transport.KnownHosts},
		}, 2)...)

		results = append(results, doctor.RunAll(ctx, []doctor.Check{&doctor.PassphraseCheck{
			EnvVar:     a.cfg.Secrets.PassphraseEnv,
			Passphrase: a.env(a.cfg.Secrets.PassphraseEnv),
			WorkFactor: a.cfg.Secrets.WorkFactor,
			Sealed:     doctor.FirstSealed(storeCheck.Hosts),
		}}, 1)...)

		if !opts.NoHosts && len(storeCheck.Hosts) > 0 && !doctor.HasFailures(results) {
			pool, err := a.transport()
			if err != nil {
				return err
			}
			results = append(results, doctor.RunAll(ctx, doctor.NewHostsChecks(storeCheck.Hosts, pool), a.cfg.Runner.Workers)...)
		}
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		if err := writeDoctorJSON(out, results); err != nil {
			return err
		}
	} else {
		writeDoctorText(out, results)
	}
	if doctor.HasFailures(results) {
		return errors.NewExitError(1)
	}
	return nil
}

func writeDoctorJSON(out io.Writer, results []doctor.CheckResult) error {
	counts := doctor.CountByStatus(results)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(DoctorOutput{
		Results: results,
		Summary: SummaryOutput{
			Pass:     counts[doctor.StatusPass],
			Warn:     counts[doctor.StatusWarn],
			Fail:     counts[doctor.StatusFail],
			AllClear: !doctor.HasIssues(results),
		},
	})
}

func writeDoctorText(out io.Writer, results []doctor.CheckResult) {
	successStyle := lipgloss.NewStyle().Foreground(ui.ColorSuccess)
	errorStyle := lipgloss.NewStyle().Foreground(ui.ColorError)
	warnStyle := lipgloss.NewStyle().Foreground(ui.ColorWarning)
	headerStyle := lipgloss.NewStyle().Bold(true)

	fmt.Fprintln(out, headerStyle.Render("fleet diagnostic report"))
	fmt.Fprintln(out)

	for _, category := range doctorCategories {
		var shown bool
		for _, r := range results {
			if r.Category != category {
				continue
			}
			if !shown {
				fmt.Fprintln(out, headerStyle.Render(category))
				shown = true
			}
			symbol, style := ui.SymbolComplete, successStyle
			switch r.Status {
			case doctor.StatusWarn:
				style = warnStyle
			case doctor.StatusFail:
				symbol, style = ui.SymbolFail, errorStyle
			}
			fmt.Fprintf(out, "  %s %s\n", style.Render(symbol), r.Message)
			if r.Suggestion != "" && r.Status != doctor.StatusPass {
				for _, line := range strings.Split(r.Suggestion, "\n") {
					fmt.Fprintf(out, "    %s\n", ui.Muted(line))
				}
			}
		}
		if shown {
			fmt.Fprintln(out)
		}
	}

	if doctor.HasIssues(results) {
		fmt.Fprintf(out, "%s %s\n", errorStyle.Render(ui.SymbolFail), doctor.Summary(results))
		return
	}
	fmt.Fprintf(out, "%s %s\n", successStyle.Render(ui.SymbolSuccess), doctor.Summary(results))
}
