package narinfo_test

import (
	"strings"
	"testing"

	"github.com/determinate-ci/ghaproxy/internal/narinfo"
)

const sampleNarinfo = `StorePath: /nix/store/abcdfghijklmnpqrsvwxyz0123456789-hello-2.10
URL: nar/1a2b3c4d5e6f7g8h9i0jklmnopqrstuvwxyz0123456789abcdefghijklmnop.nar.xz
Compression: xz
FileHash: sha256:0000000000000000000000000000000000000000000000000000
FileSize: 1234
NarHash: sha256:1111111111111111111111111111111111111111111111111111
NarSize: 2048
References:
Deriver: zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz-hello-2.10.drv
Sig: cache.example.org-1:c2lnbmF0dXJl
`

func TestParseExtractsFields(t *testing.T) {
	t.Parallel()

	info, err := narinfo.Parse(strings.NewReader(sampleNarinfo))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if info.StorePath != "/nix/store/abcdfghijklmnpqrsvwxyz0123456789-hello-2.10" {
		t.Errorf("StorePath = %q", info.StorePath)
	}

	sph, err := info.SPH()
	if err != nil {
		t.Fatalf("SPH() error = %v", err)
	}

	if sph != "abcdfghijklmnpqrsvwxyz0123456789" {
		t.Errorf("SPH() = %q", sph)
	}

	if len(info.Sig) != 1 {
		t.Fatalf("Sig = %v, want 1 entry", info.Sig)
	}
}

func TestSPHFromStorePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		storePath string
		want      string
		wantErr   bool
	}{
		{
			name:      "valid",
			storePath: "/nix/store/abcdfghijklmnpqrsvwxyz0123456789-hello-2.10",
			want:      "abcdfghijklmnpqrsvwxyz0123456789",
		},
		{
			name:      "bare basename",
			storePath: "abcdfghijklmnpqrsvwxyz0123456789-hello",
			want:      "abcdfghijklmnpqrsvwxyz0123456789",
		},
		{
			name:      "missing hyphen",
			storePath: "/nix/store/notahash",
			wantErr:   true,
		},
		{
			name:      "hash too short",
			storePath: "/nix/store/short-hello",
			wantErr:   true,
		},
		{
			name:      "invalid charset",
			storePath: "/nix/store/EOUTEOUTEOUTEOUTEOUTEOUTEOUTEOUT-hello",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := narinfo.SPHFromStorePath(tt.storePath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SPHFromStorePath() error = %v, wantErr %v", err, tt.wantErr)
			}

			if err == nil && got != tt.want {
				t.Errorf("SPHFromStorePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := narinfo.Parse(strings.NewReader("not a narinfo at all"))
	if err == nil {
		t.Fatal("Parse() expected error for malformed input")
	}
}
