package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marioproto92/vmaextractor/pkg/vma"
)

var (
	skipHash bool
	jobs     int
	force    bool
	quiet    bool
)

// errUsage marks caller mistakes that map to exit code 1.
var errUsage = errors.New("usage error")

// ran flips once a subcommand body starts, separating usage failures from
// runtime ones in the exit code.
var ran bool

var rootCmd = &cobra.Command{
	Use:           "vmaextractor [command] (flags)",
	Short:         "extract Proxmox VE VMA backup archives",
	Long:          ``,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var extractCmd = &cobra.Command{
	Use:   "extract <archive> <destination>",
	Short: "extract configs and raw disk images from a decompressed VMA archive",
	Args:  cobra.ExactArgs(2),
	RunE:  runExtract,
}

var listCmd = &cobra.Command{
	Use:   "list <archive>",
	Short: "print the archive descriptor as JSON without extracting",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func main() {
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		extractCmd,
		listCmd,
	)

	for _, cmd := range []*cobra.Command{extractCmd, listCmd} {
		cmd.Flags().BoolVar(
			&skipHash, "skip-hash", false, "skip md5 validation of the header and extents")
	}
	extractCmd.Flags().IntVarP(
		&jobs, "jobs", "j", 0, "number of writer workers (0, one per hardware thread)")
	extractCmd.Flags().BoolVarP(
		&force, "force", "f", false, "extract into an existing destination directory")
	extractCmd.Flags().BoolVarP(
		&quiet, "quiet", "q", false, "suppress progress output")

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func runExtract(cmd *cobra.Command, args []string) error {
	ran = true
	source, destination := args[0], args[1]

	if _, err := os.Stat(source); err != nil {
		return err
	}
	if _, err := os.Stat(destination); err == nil && !force {
		return errors.Mark(
			errors.Newf("destination %q exists (use --force)", destination), errUsage)
	}
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return err
	}

	opts := vma.Options{
		SkipHash: skipHash,
		Workers:  jobs,
	}
	if !quiet {
		opts.Progress = func(line string) {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	return vma.Extract(cmd.Context(), source, destination, opts)
}

type deviceListing struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	FileName  string `json:"file_name"`
	Size      uint64 `json:"size"`
	SizeHuman string `json:"size_human"`
	Clusters  uint32 `json:"clusters"`
}

type archiveListing struct {
	UUID    string          `json:"uuid"`
	CTime   string          `json:"ctime"`
	Configs []string        `json:"configs"`
	Devices []deviceListing `json:"devices"`
}

func runList(cmd *cobra.Command, args []string) error {
	ran = true
	hdr, err := vma.ReadHeader(args[0], skipHash)
	if err != nil {
		return err
	}

	listing := archiveListing{
		UUID:  hdr.UUID.String(),
		CTime: hdr.CTime.Format("2006-01-02 15:04:05 MST"),
	}
	for _, cfg := range hdr.Configs {
		listing.Configs = append(listing.Configs, cfg.Name)
	}
	for _, dev := range hdr.DeviceList() {
		listing.Devices = append(listing.Devices, deviceListing{
			ID:        dev.ID,
			Name:      dev.Name,
			FileName:  dev.FileName(),
			Size:      dev.Size,
			SizeHuman: humanize.IBytes(dev.Size),
			Clusters:  dev.Clusters(),
		})
	}

	output, err := json.MarshalIndent(listing, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", output)
	return nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vma.ErrChecksum):
		return 2
	case errors.Is(err, vma.ErrFormat), errors.Is(err, vma.ErrConflict):
		return 3
	case errors.Is(err, vma.ErrResource):
		return 4
	case errors.Is(err, errUsage), !ran:
		return 1
	default:
		// underlying read/write failures
		return 4
	}
}
