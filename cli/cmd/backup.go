package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore key documents",
	Long:  "Create encrypted backups of key documents and metadata, or restore from backups.",
}

var createBackupCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup",
	Long:  "Export all key documents into an encrypted backup held by the storage backend.",
	RunE:  createBackup,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore from backup",
	Long:  "Restore key documents and metadata from an encrypted backup.",
	Args:  cobra.ExactArgs(1),
	RunE:  restoreBackup,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List available backups",
	RunE:  listBackups,
}

var deleteBackupCmd = &cobra.Command{
	Use:   "rm <backup-id>",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteBackup,
}

var backupPassphrase string

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(createBackupCmd)
	backupCmd.AddCommand(restoreBackupCmd)
	backupCmd.AddCommand(listBackupsCmd)
	backupCmd.AddCommand(deleteBackupCmd)

	createBackupCmd.Flags().StringVar(&backupPassphrase, "backup-passphrase", "", "passphrase for backup encryption (or use SIGNET_BACKUP_PASSPHRASE env var)")
	restoreBackupCmd.Flags().StringVar(&backupPassphrase, "backup-passphrase", "", "passphrase for backup decryption (or use SIGNET_BACKUP_PASSPHRASE env var)")
}

func resolveBackupPassphrase() (string, error) {
	if backupPassphrase == "" {
		backupPassphrase = os.Getenv("SIGNET_BACKUP_PASSPHRASE")
	}
	if backupPassphrase == "" {
		return "", fmt.Errorf("backup passphrase is required. Use --backup-passphrase flag or SIGNET_BACKUP_PASSPHRASE environment variable")
	}
	return backupPassphrase, nil
}

func createBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	pass, err := resolveBackupPassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	container, err := keyStore.ExportBackup(pass)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup: %w", err), started)
	}

	fmt.Println("Backup created successfully")
	fmt.Printf("  Backup ID: %s\n", container.BackupID)
	fmt.Printf("  Timestamp: %s\n", container.BackupTimestamp.Format(time.RFC3339))
	fmt.Printf("  Checksum:  %s\n", container.Checksum)
	return auditCmdComplete(cmd, nil, started)
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	backupID := args[0]

	pass, err := resolveBackupPassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Println("WARNING: This will overwrite key documents with matching ids.")
	fmt.Print("Continue? (yes/no): ")

	var response string
	fmt.Scanln(&response)
	if response != "yes" {
		fmt.Println("Restore cancelled")
		return auditCmdComplete(cmd, nil, started)
	}

	if err = keyStore.RestoreBackup(backupID, pass); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore backup: %w", err), started)
	}

	fmt.Println("Backup restored successfully")
	return auditCmdComplete(cmd, nil, started)
}

func listBackups(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	backups, err := keyStore.ListBackups()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list backups: %w", err), started)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BACKUP ID\tTIMESTAMP\tSIZE\tVALID")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n",
			b.BackupID, b.BackupTimestamp.Format(time.RFC3339), b.FileSize, b.IsValid)
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func deleteBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := keyStore.DeleteBackup(args[0]); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete backup: %w", err), started)
	}

	fmt.Printf("Deleted backup %s\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}
