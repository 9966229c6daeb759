package sniff

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/sipscope/internal/pkg/capture"
	"github.com/endorses/sipscope/internal/pkg/filters"
	"github.com/endorses/sipscope/internal/pkg/logger"
	"github.com/endorses/sipscope/internal/pkg/storage"
)

var (
	readFiles  []string
	writeFile  string
	bpfFilter  string
	matchExpr  string
)

var SniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Capture and correlate SIP calls",
	Long:  `Capture SIP traffic from a device, capture files or a remote agent, correlate messages into calls and print the call table.`,
	RunE:  runSniff,
}

func init() {
	SniffCmd.Flags().StringSliceVarP(&readFiles, "read", "I", nil, "read packets from capture file(s)")
	SniffCmd.Flags().StringVarP(&writeFile, "write", "O", "", "write captured packets to file")
	SniffCmd.Flags().StringVarP(&bpfFilter, "filter", "f", "", "BPF capture filter expression")
	SniffCmd.Flags().StringVarP(&matchExpr, "match", "m", "", "display filter expression")
	SniffCmd.Flags().StringP("device", "d", "", "network device to capture from")
	SniffCmd.Flags().String("keyfile", "", "TLS private key file for decryption")
	SniffCmd.Flags().Int("limit", 0, "maximum number of retained calls")

	viper.BindPFlag("capture.device", SniffCmd.Flags().Lookup("device"))
	viper.BindPFlag("tls.keyfile", SniffCmd.Flags().Lookup("keyfile"))
	viper.BindPFlag("capture.limit", SniffCmd.Flags().Lookup("limit"))
}

func runSniff(cmd *cobra.Command, args []string) error {
	store, err := storage.New(storage.OptionsFromConfig())
	if err != nil {
		return fmt.Errorf("invalid storage options: %w", err)
	}

	if matchExpr != "" {
		filter, err := filters.Compile(matchExpr)
		if err != nil {
			return err
		}
		store.SetDisplayFilter(filter)
	}

	manager, err := capture.NewManagerFromConfig(store, readFiles)
	if err != nil {
		return err
	}
	if bpfFilter != "" {
		if err := manager.SetFilter(bpfFilter); err != nil {
			return err
		}
	}
	if writeFile != "" {
		output, err := capture.NewFileOutput(writeFile)
		if err != nil {
			return err
		}
		manager.AddOutput(output)
	}

	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	logger.Info("capture started",
		"online", manager.IsOnline(),
		"filter", manager.Filter())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastGen uint64
	for {
		select {
		case <-sigCh:
			printCallTable(store)
			return nil
		case <-ticker.C:
			if gen := store.CallsChanged(); gen != lastGen {
				lastGen = gen
				status := manager.Status()
				stats := store.Stats()
				fmt.Fprintf(os.Stderr, "\r%s/%s calls: %d displayed, %d retained, %d total (%d%%)",
					status.Online, status.Activity,
					stats.Displayed, stats.Retained, stats.Total,
					manager.LoadProgress())
			}
			if manager.Status().Online == capture.StatusOffline && manager.LoadProgress() == 100 {
				// Offline sources drained; print and leave
				fmt.Fprintln(os.Stderr)
				printCallTable(store)
				return nil
			}
		}
	}
}

func printCallTable(store *storage.Storage) {
	fmt.Printf("%-32s %-16s %-16s %-8s %-10s %6s %9s\n",
		"Call-ID", "From", "To", "Method", "State", "Msgs", "Duration")
	for _, call := range store.Calls() {
		fmt.Printf("%-32s %-16s %-16s %-8s %-10s %6d %9s\n",
			call.CallID, call.SrcUser, call.DstUser,
			call.Method, call.State, call.MsgCount(),
			call.TotalDur().Round(time.Millisecond))
	}
}
