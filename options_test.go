package signet

import (
	"strings"
	"testing"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{
			name: "empty options are valid",
			opts: Options{},
		},
		{
			name: "valid passphrase",
			opts: Options{DerivationPassphrase: "twelve-chars"},
		},
		{
			name:    "short passphrase",
			opts:    Options{DerivationPassphrase: "elevenchars"},
			wantErr: "at least 12 characters",
		},
		{
			name: "valid env var",
			opts: Options{EnvPassphraseVar: "SIGNET_PASSPHRASE"},
		},
		{
			name: "env var with underscore prefix",
			opts: Options{EnvPassphraseVar: "_PRIVATE_VAR"},
		},
		{
			name:    "env var starting with digit",
			opts:    Options{EnvPassphraseVar: "1BADVAR"},
			wantErr: "invalid environment variable name",
		},
		{
			name:    "env var with invalid characters",
			opts:    Options{EnvPassphraseVar: "BAD-VAR"},
			wantErr: "invalid environment variable name",
		},
		{
			name:    "env var too long",
			opts:    Options{EnvPassphraseVar: strings.Repeat("A", 129)},
			wantErr: "invalid environment variable name",
		},
		{
			name: "valid salt",
			opts: Options{DerivationSalt: make([]byte, 16)},
		},
		{
			name:    "undersized salt",
			opts:    Options{DerivationSalt: make([]byte, 15)},
			wantErr: "at least 16 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate succeeded, expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestOptionsSealing(t *testing.T) {
	if (Options{}).sealing() {
		t.Error("Empty options report sealing")
	}
	if !(Options{DerivationPassphrase: "twelve-chars"}).sealing() {
		t.Error("Passphrase options do not report sealing")
	}
	if !(Options{EnvPassphraseVar: "SOME_VAR"}).sealing() {
		t.Error("Env var options do not report sealing")
	}
}
