package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"utag/go-tag-server/internal/telemetry"
)

type advertPayload struct {
	ScannerID   string `json:"scanner_id"`
	ServiceData string `json:"service_data"`
	RSSI        int    `json:"rssi"`
	BLEMac      string `json:"ble_mac,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	scannerID := flag.String("scanner-id", "sim-scanner-1", "Scanner identifier")
	privacyID := flag.String("privacy-id", "0102030405060708", "Tag privacy id, 16 hex characters")
	state := flag.Int("state", 3, "Connectivity state code (0-6)")
	region := flag.Int("region", 11, "Region id (0-15)")
	battery := flag.Int("battery", 3, "Battery bucket (0-3)")
	encrypted := flag.Bool("encrypted", true, "Set the encryption flag")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published adverts")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	id, err := hex.DecodeString(*privacyID)
	if err != nil || len(id) != 8 {
		logger.Error("privacy id must be 16 hex characters", "privacy_id", *privacyID)
		os.Exit(2)
	}

	clientID := fmt.Sprintf("%s-simulator-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Error("failed to connect to broker", "broker", *brokerAddr, "error", token.Error())
		os.Exit(1)
	}
	logger.Info("connected to MQTT broker", "broker", *brokerAddr, "client_id", clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := fmt.Sprintf("scanners/%s/adverts", *scannerID)
	var aging uint32

	publish := func() {
		aging++
		data := buildAdvert(id, *state, *region, *battery, *encrypted, aging)

		// Round-trip through the decoder so a bad flag combination fails here
		// rather than in the server's ingestion log.
		tel, err := telemetry.Decode(data)
		if err != nil {
			logger.Error("built an undecodable advert", "error", err)
			return
		}

		payload := advertPayload{
			ScannerID:   *scannerID,
			ServiceData: base64.StdEncoding.EncodeToString(data),
			RSSI:        randomRSSI(*baseRSSI, *rssiJitter),
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Error("failed to encode payload", "error", err)
			return
		}

		token := client.Publish(topic, 0, false, raw)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("publish error", "topic", topic, "error", err)
			return
		}
		logger.Info("published advert", "topic", topic, "tag", tel.PrivacyID, "state", tel.State.String(), "rssi", payload.RSSI)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// buildAdvert lays out a 20 byte service data payload.
func buildAdvert(id []byte, state, region, battery int, encrypted bool, aging uint32) []byte {
	data := make([]byte, telemetry.AdvertisementLength)
	data[0] = 1<<4 | byte(state&0x07)

	var counter [4]byte
	binary.LittleEndian.PutUint32(counter[:], aging&0xffffff)
	copy(data[1:4], counter[:3])
	copy(data[4:12], id)

	flags := byte(battery & 0x03)
	if encrypted {
		flags |= 1 << 3
	}
	data[12] = byte(region&0x0f)<<4 | flags

	for i := 16; i < 20; i++ {
		data[i] = byte(rand.Intn(256))
	}
	return data
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
