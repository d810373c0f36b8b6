package disperserd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"disperse/contracts"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "disperserd.yaml", `
chains:
  - id: 11155111
    rpc: https://sepolia.example
  - id: 1
    name: mainnet
    rpc: https://mainnet.example
    custom_contract: "0x00000000000000000000000000000000000000aa"
allowance_interval: 3s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:7090", cfg.ListenAddress)
	require.Equal(t, "DISPERSE_API_TOKEN", cfg.Auth.TokenEnv)
	require.Equal(t, "DISPERSE_API_JWT_SECRET", cfg.Auth.JWTSecretEnv)
	require.Equal(t, 2*time.Minute, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, uint64(11155111), cfg.DefaultChain)
	require.Equal(t, []uint64{11155111, 1}, cfg.SupportedChains)
	require.Equal(t, "chain-11155111", cfg.Chains[0].Name)
	require.Equal(t, 3*time.Second, cfg.AllowanceInterval.Duration)
	require.Equal(t, 2*time.Second, cfg.ReceiptInterval.Duration)
	require.Equal(t, contracts.ReferenceBytecode, cfg.Contracts.Reference)
	require.Equal(t, []uint64{11155111}, cfg.Contracts.AnchorChains)
	require.Equal(t, contracts.LegacyAddress.Hex(), cfg.Contracts.Legacy)
	require.Equal(t, contracts.CreateXAddress.Hex(), cfg.Contracts.CreateX)
	require.Equal(t, "DISPERSE_KEYSTORE_PASSPHRASE", cfg.Keystore.PassphraseEnv)
	require.Equal(t, 32, cfg.History)

	networks := cfg.Networks()
	require.Len(t, networks, 2)
	require.Equal(t, "mainnet", networks[1].Name)
	require.Equal(t, map[uint64]common.Address{
		1: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}, cfg.CustomContracts())
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "disperserd.toml", `
listen = "127.0.0.1:9000"
default_chain = 1
supported_chains = [1]
receipt_interval = "500ms"

[[chains]]
id = 1
rpc = "https://mainnet.example"

[[chains]]
id = 10
rpc = "https://optimism.example"

[log]
level = "debug"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, []uint64{1}, cfg.SupportedChains)
	require.Equal(t, 500*time.Millisecond, cfg.ReceiptInterval.Duration)
	require.Len(t, cfg.Chains, 2)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "DEBUG", cfg.Log.SlogLevel().String())
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no chains",
			body: "listen: \":1\"\n",
			want: "at least one chain",
		},
		{
			name: "duplicate chain",
			body: "chains:\n  - {id: 1, rpc: a}\n  - {id: 1, rpc: b}\n",
			want: "configured twice",
		},
		{
			name: "missing rpc",
			body: "chains:\n  - {id: 1}\n",
			want: "rpc endpoint",
		},
		{
			name: "unknown default",
			body: "default_chain: 5\nchains:\n  - {id: 1, rpc: a}\n",
			want: "default_chain 5",
		},
		{
			name: "unknown supported",
			body: "supported_chains: [7]\nchains:\n  - {id: 1, rpc: a}\n",
			want: "supported chain 7",
		},
		{
			name: "bad custom contract",
			body: "chains:\n  - {id: 1, rpc: a, custom_contract: nope}\n",
			want: "invalid custom_contract",
		},
		{
			name: "unknown anchor chain",
			body: "contracts:\n  anchor_chains: [9]\nchains:\n  - {id: 1, rpc: a}\n",
			want: "anchor_chains: chain 9",
		},
		{
			name: "auto connect without keystore",
			body: "keystore:\n  auto_connect: true\nchains:\n  - {id: 1, rpc: a}\n",
			want: "requires keystore.path",
		},
		{
			name: "bad duration",
			body: "allowance_interval: soon\nchains:\n  - {id: 1, rpc: a}\n",
			want: "parse duration",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "cfg.yaml", tc.body))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLogLevelFallsBackToInfo(t *testing.T) {
	require.Equal(t, "INFO", LogConfig{Level: "verbose"}.SlogLevel().String())
	require.Equal(t, "INFO", LogConfig{}.SlogLevel().String())
	require.Equal(t, "WARN", LogConfig{Level: "warn"}.SlogLevel().String())
}

func TestAuthCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("DISPERSE_TEST_API_TOKEN", "  s3cret  ")
	t.Setenv("DISPERSE_TEST_API_JWT", "")
	auth := AuthConfig{
		TokenEnv:     "DISPERSE_TEST_API_TOKEN",
		JWTSecretEnv: "DISPERSE_TEST_API_JWT",
		Issuer:       "ops",
	}
	creds := auth.Credentials()
	require.Equal(t, "s3cret", creds.Token)
	require.Empty(t, creds.JWTSecret)
	require.Equal(t, "ops", creds.Issuer)
	require.True(t, creds.Configured())

	t.Setenv("DISPERSE_TEST_API_TOKEN", "")
	require.False(t, auth.Credentials().Configured())
}
