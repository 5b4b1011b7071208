package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"southwinds.dev/signet"
)

var signCmd = &cobra.Command{
	Use:   "sign <key-id> <file>",
	Short: "Sign a file",
	Long: `Hash the file with SHA-256 and sign the digest with the stored key.
The hex-encoded signature is printed to stdout or written with --out.`,
	Args: cobra.ExactArgs(2),
	RunE: runSign,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <key-id> <file> <signature-hex>",
	Short: "Verify a signature",
	Long:  `Hash the file with SHA-256 and verify the hex-encoded signature against the stored key's public key.`,
	Args:  cobra.ExactArgs(3),
	RunE:  runVerify,
}

var signOutFile string

func init() {
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)

	signCmd.Flags().StringVarP(&signOutFile, "out", "o", "", "write the hex signature to a file instead of stdout")
}

func runSign(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id, file := args[0], args[1]

	digest, err := digestFile(file)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

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

	sig, err := signer.Sign(digest)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to sign: %w", err), started)
	}

	encoded := hex.EncodeToString(sig.Bytes)
	if signOutFile != "" {
		if err = os.WriteFile(signOutFile, []byte(encoded+"\n"), 0644); err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to write signature: %w", err), started)
		}
		fmt.Printf("Signature written to %s\n", signOutFile)
	} else {
		fmt.Println(encoded)
	}

	return auditCmdComplete(cmd, nil, started)
}

func runVerify(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	id, file, sigHex := args[0], args[1], args[2]

	digest, err := digestFile(file)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("invalid signature encoding: %w", err), started)
	}

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

	var valid bool
	switch signer.Algorithm() {
	case signet.AlgorithmSecp256k1:
		valid = signet.VerifySecp256k1(signer.PublicKey(), digest, sig)
	case signet.AlgorithmEd25519:
		valid = signet.VerifyEd25519(signer.PublicKey(), digest, sig)
	case signet.AlgorithmP256:
		valid = signet.VerifyP256(signer.PublicKey(), digest, sig)
	default:
		return auditCmdComplete(cmd, fmt.Errorf("unsupported algorithm: %s", signer.Algorithm()), started)
	}

	if !valid {
		return auditCmdComplete(cmd, fmt.Errorf("signature verification FAILED for key %q", id), started)
	}

	fmt.Println("Signature OK")
	return auditCmdComplete(cmd, nil, started)
}

func digestFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
