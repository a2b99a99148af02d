package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set via ldflags
var (
	commit    = "unknown"
	buildDate = "unknown"
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

// BuildInfo describes this binary
type BuildInfo struct {
	Version   string            `json:"version"`
	Commit    string            `json:"commit"`
	BuildDate string            `json:"build_date"`
	GoVersion string            `json:"go_version"`
	Platform  string            `json:"platform"`
	Deps      map[string]string `json:"deps,omitempty"`
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("full", false, "include commit, build date, Go version and dependencies")
	versionCmd.Flags().Bool("json", false, "output as JSON")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		asJSON, _ := cmd.Flags().GetBool("json")
		info := buildInfo(full)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Printf("ixnay version %s\n", info.Version)
		if !full {
			return nil
		}
		fmt.Println()
		fmt.Printf("  Commit:     %s\n", info.Commit)
		fmt.Printf("  Built:      %s\n", info.BuildDate)
		fmt.Printf("  Go version: %s\n", info.GoVersion)
		fmt.Printf("  OS/Arch:    %s\n", info.Platform)
		if len(info.Deps) > 0 {
			fmt.Println()
			fmt.Println("  Dependencies:")
			for path, v := range info.Deps {
				fmt.Printf("    %s %s\n", path, v)
			}
		}
		return nil
	},
}

func buildInfo(withDeps bool) BuildInfo {
	info := BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "unknown":
			info.Commit = s.Value[:min(len(s.Value), 8)]
		case s.Key == "vcs.time" && info.BuildDate == "unknown":
			info.BuildDate = s.Value
		}
	}
	if withDeps {
		info.Deps = make(map[string]string, len(bi.Deps))
		for _, dep := range bi.Deps {
			if dep.Replace != nil {
				info.Deps[dep.Path] = "=> " + dep.Replace.Path + " " + dep.Replace.Version
				continue
			}
			info.Deps[dep.Path] = dep.Version
		}
	}
	return info
}
