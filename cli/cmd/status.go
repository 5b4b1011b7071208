package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/signet"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keystore status",
	Long:  "Display information about the keystore including memory protection level and key counts.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	fmt.Println("Keystore Status")
	fmt.Println("===============")

	fmt.Printf("Namespace: %s\n", keyStore.Namespace())
	fmt.Printf("Store Type: %s\n", viper.GetString("signet.store_type"))
	fmt.Printf("Memory Protection: %s\n", keyStore.MemoryProtection())

	keys, err := keyStore.List()
	if err != nil {
		fmt.Printf("Total Keys: ERROR - %v\n", err)
	} else {
		activeCount := 0
		retiredCount := 0
		sealedCount := 0
		for _, key := range keys {
			if key.Status == signet.KeyStatusActive {
				activeCount++
			} else {
				retiredCount++
			}
			if key.Sealed {
				sealedCount++
			}
		}
		fmt.Printf("Total Keys: %d (Active: %d, Retired: %d, Sealed: %d)\n",
			len(keys), activeCount, retiredCount, sealedCount)
	}

	backups, err := keyStore.ListBackups()
	if err != nil {
		fmt.Printf("Total Backups: ERROR - %v\n", err)
	} else {
		fmt.Printf("Total Backups: %d\n", len(backups))
	}

	fmt.Printf("Store Path: %s\n", storePath)

	return auditCmdComplete(cmd, nil, started)
}
