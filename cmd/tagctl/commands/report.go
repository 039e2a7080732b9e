package commands

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"utag/go-tag-server/internal/chaser"
)

// report: relay recent non-owner sightings with this node's position.
func reportCmd() *cobra.Command {
	var (
		chainFile    string
		signingFile  string
		transportKey string
		nodeID       string
		since        time.Duration
		limit        int
		dryRun       bool
		fix          chaser.Fix
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Relay non-owner sightings to the find network",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := db.RecentSightings(cmd.Context(), limit)
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-since)
			recent := rows[:0]
			for _, r := range rows {
				if r.SeenAt.After(cutoff) {
					recent = append(recent, r)
				}
			}

			sightings, skipped := chaser.FromStored(recent)
			if skipped > 0 {
				logger.Warn("skipped undecodable sightings", "count", skipped)
			}

			if dryRun {
				for region, group := range chaser.EligibleByRegion(sightings) {
					fmt.Printf("%s\t%s\t%d tags\n", region.Name, region.Host, len(group))
				}
				return nil
			}

			if nodeID == "" {
				return fmt.Errorf("node id required (--node-id)")
			}
			chain, err := os.ReadFile(chainFile)
			if err != nil {
				return fmt.Errorf("read certificate chain: %w", err)
			}
			signing, err := loadRSAKey(signingFile)
			if err != nil {
				return err
			}
			transport, err := loadRSAKey(transportKey)
			if err != nil {
				return err
			}

			client := chaser.NewClient(chaser.Identity{
				Chain:        strings.TrimSpace(string(chain)),
				SigningKey:   signing,
				TransportKey: transport,
				NodeID:       nodeID,
			}, logger)

			sent, err := client.Report(cmd.Context(), sightings, fix)
			fmt.Printf("reported %d tags\n", sent)
			return err
		},
	}
	cmd.Flags().StringVar(&chainFile, "chain", "", "file holding the base64 certificate chain")
	cmd.Flags().StringVar(&signingFile, "signing-key", "", "PEM RSA key that signs the server nonce")
	cmd.Flags().StringVar(&transportKey, "transport-key", "", "PEM RSA key that receives tag public keys")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "identifier of this reporting node")
	cmd.Flags().DurationVar(&since, "since", 15*time.Minute, "only report sightings newer than this")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum sightings to consider")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print eligible tags per region without sending")
	cmd.Flags().Float64Var(&fix.Latitude, "lat", 0, "node latitude")
	cmd.Flags().Float64Var(&fix.Longitude, "lng", 0, "node longitude")
	cmd.Flags().Float64Var(&fix.Accuracy, "accuracy", 20, "node position accuracy in meters")
	cmd.Flags().Float64Var(&fix.Speed, "speed", 0, "node speed in m/s")
	cmd.Flags().StringVar(&fix.Method, "method", "gps", "how the node position was obtained")
	cmd.MarkFlagsRequiredTogether("chain", "signing-key", "transport-key")
	return cmd
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("rsa key path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rsa key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parse rsa key: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA key", path)
	}
	return key, nil
}
