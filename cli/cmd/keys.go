package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/signet"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage signing keys",
	Long:  `Manage signing key documents including generation, listing, rotation and removal.`,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen <key-id>",
	Short: "Generate a new signing key",
	Long:  `Generate a new signing key document for the given algorithm and store it under the key id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeygen,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys",
	Long:  `List all key documents in the store with their metadata including algorithm, status and creation time.`,
	RunE:  runKeyList,
}

var keyInfoCmd = &cobra.Command{
	Use:   "info <key-id>",
	Short: "Show detailed information about a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyInfo,
}

var keyRemoveCmd = &cobra.Command{
	Use:   "rm <key-id>",
	Short: "Remove a key document",
	Long:  `Permanently remove a key document. This operation is irreversible: signatures can no longer be produced with this key.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRemove,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a signing key",
	Long:  `Generate a replacement document for the key. The outgoing document is archived and marked retired.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRotate,
}

var keyRetireCmd = &cobra.Command{
	Use:   "retire <key-id>",
	Short: "Mark a key as retired",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRetire,
}

var keyPubkeyCmd = &cobra.Command{
	Use:   "pubkey <key-id>",
	Short: "Print the public key",
	Long:  `Print the hex-encoded public key derived from the stored key document.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyPubkey,
}

var (
	keygenAlgorithm string
	jsonOutput      bool
	forceRemove     bool
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyInfoCmd)
	keysCmd.AddCommand(keyRemoveCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyRetireCmd)
	keysCmd.AddCommand(keyPubkeyCmd)

	keygenCmd.Flags().StringVarP(&keygenAlgorithm, "algorithm", "a", "ed25519", "key algorithm (secp256k1, ed25519, p256)")

	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyInfoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyRemoveCmd.Flags().BoolVarP(&forceRemove, "force", "f", false, "remove without confirmation")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id := args[0]

	algorithm := signet.Algorithm(keygenAlgorithm)
	if !algorithm.Valid() {
		return auditCmdComplete(cmd,
			fmt.Errorf("unsupported algorithm %q (supported: %v)", keygenAlgorithm, signet.SupportedAlgorithms()), started)
	}

	doc, err := keyStore.Generate(algorithm)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to generate key: %w", err), started)
	}
	defer doc.Destroy()

	if err = keyStore.Save(id, doc); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to save key: %w", err), started)
	}

	signer, err := signet.NewSigner(doc)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer signer.Destroy()

	fmt.Printf("Generated %s key %q\n", algorithm, id)
	fmt.Printf("Public key: %s\n", hex.EncodeToString(signer.PublicKey()))
	return auditCmdComplete(cmd, nil, started)
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	infos, err := keyStore.List()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list keys: %w", err), started)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	if len(infos) == 0 {
		fmt.Println("No keys found")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tALGORITHM\tSTATUS\tVERSION\tCREATED\tSEALED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\n",
			info.ID, info.Algorithm, info.Status, info.Version,
			info.CreatedAt.Format(time.RFC3339), info.Sealed)
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runKeyInfo(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id := args[0]

	info, err := keyStore.Info(id)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	fmt.Printf("Key ID:     %s\n", info.ID)
	fmt.Printf("Algorithm:  %s\n", info.Algorithm)
	fmt.Printf("Status:     %s\n", info.Status)
	fmt.Printf("Version:    %d\n", info.Version)
	fmt.Printf("Created:    %s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", info.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Sealed:     %t\n", info.Sealed)
	if info.RotatedAt != nil {
		fmt.Printf("Rotated:    %s\n", info.RotatedAt.Format(time.RFC3339))
	}
	if info.RotatedFrom != "" {
		fmt.Printf("Previous:   %s\n", info.RotatedFrom)
	}
	if info.RetiredAt != nil {
		fmt.Printf("Retired:    %s\n", info.RetiredAt.Format(time.RFC3339))
	}

	return auditCmdComplete(cmd, nil, started)
}

func runKeyRemove(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id := args[0]

	if !forceRemove {
		fmt.Printf("This will permanently remove key %q. Continue? (y/N): ", id)
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Removal cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	if err := keyStore.Delete(id); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to remove key: %w", err), started)
	}

	fmt.Printf("Removed key %q\n", id)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id := args[0]

	doc, err := keyStore.Rotate(id)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rotate key: %w", err), started)
	}
	defer doc.Destroy()

	signer, err := signet.NewSigner(doc)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer signer.Destroy()

	fmt.Printf("Rotated key %q\n", id)
	fmt.Printf("New public key: %s\n", hex.EncodeToString(signer.PublicKey()))
	return auditCmdComplete(cmd, nil, started)
}

func runKeyRetire(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id := args[0]

	if err := keyStore.Retire(id); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to retire key: %w", err), started)
	}

	fmt.Printf("Retired key %q\n", id)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyPubkey(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id := args[0]

	doc, err := keyStore.Load(id)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer doc.Destroy()

	signer, err := signet.NewSigner(doc)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer signer.Destroy()

	fmt.Println(hex.EncodeToString(signer.PublicKey()))
	return auditCmdComplete(cmd, nil, started)
}
