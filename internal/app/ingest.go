package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"utag/go-tag-server/internal/model"
	"utag/go-tag-server/internal/mqttbroker"
	"utag/go-tag-server/internal/telemetry"
)

// AdvertTopic is the subscription filter for scanner advertisements.
const AdvertTopic = "scanners/+/adverts"

type advertPayload struct {
	ScannerID   string `json:"scanner_id"`
	ServiceData string `json:"service_data"`
	RSSI        int    `json:"rssi"`
	BLEMac      string `json:"ble_mac"`
	Timestamp   string `json:"timestamp"`
}

func (a *App) startMQTT() error {
	clientID := a.cfg.MQTTClientID
	if clientID == "" {
		clientID = "utag-server-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.MQTTBroker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false)

	// Resubscribe after every reconnect; a clean session drops subscriptions.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(AdvertTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			a.handleAdvert(context.Background(), msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			a.logger.Error("mqtt subscribe failed", "topic", AdvertTopic, "error", token.Error())
			return
		}
		a.logger.Info("mqtt subscribed", "topic", AdvertTopic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", a.cfg.MQTTBroker, token.Error())
	}
	a.mqtt = client
	a.logger.Info("mqtt connected", "broker", a.cfg.MQTTBroker, "client_id", clientID)
	return nil
}

func (a *App) stopMQTT() {
	if a.mqtt == nil {
		return
	}
	a.mqtt.Disconnect(250)
	a.logger.Info("mqtt disconnected")
	a.mqtt = nil
}

// startBroker runs the in-process broker and feeds adverts published to it
// straight into ingestion, bypassing the subscriber client.
func (a *App) startBroker(bind string) (<-chan error, error) {
	b := mqttbroker.New(a.logger.With("component", "mqttbroker"))
	b.Handle(AdvertTopic, func(ctx context.Context, msg mqttbroker.Message) {
		a.handleAdvert(ctx, msg.Topic, msg.Payload)
	})
	errCh, err := b.Start(bind)
	if err != nil {
		return nil, err
	}
	a.broker = b
	return errCh, nil
}

func (a *App) stopBroker() {
	if a.broker == nil {
		return
	}
	if err := a.broker.Stop(); err != nil {
		a.logger.Error("stop mqtt broker", "error", err)
	}
	a.broker = nil
}

// handleAdvert decodes one scanner advertisement and records it as a sighting.
// Anything that cannot be decoded lands in the ingestion error log.
func (a *App) handleAdvert(ctx context.Context, topic string, payload []byte) {
	var advert advertPayload
	if err := json.Unmarshal(payload, &advert); err != nil {
		a.logger.Warn("advert payload decode failed", "topic", topic, "error", err)
		a.recordIngestionError(ctx, scannerFromTopic(topic), payload, fmt.Errorf("decode payload: %w", err))
		return
	}

	if advert.ScannerID == "" {
		advert.ScannerID = scannerFromTopic(topic)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(advert.ServiceData))
	if err != nil {
		a.logger.Warn("advert service data invalid", "scanner", advert.ScannerID, "error", err)
		a.recordIngestionError(ctx, advert.ScannerID, payload, fmt.Errorf("decode service data: %w", err))
		return
	}

	tel, err := telemetry.Decode(raw)
	if err != nil {
		a.logger.Warn("advert telemetry malformed", "scanner", advert.ScannerID, "error", err)
		a.recordIngestionError(ctx, advert.ScannerID, payload, err)
		return
	}

	seenAt, err := time.Parse(time.RFC3339Nano, advert.Timestamp)
	if err != nil {
		seenAt = time.Now().UTC()
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	sighting, err := a.store.RecordSighting(storeCtx, model.Sighting{
		ScannerID:   advert.ScannerID,
		PrivacyID:   tel.PrivacyID,
		ServiceData: tel.Key(),
		State:       tel.State.String(),
		Battery:     string(tel.Battery),
		RSSI:        advert.RSSI,
		BLEMac:      advert.BLEMac,
		SeenAt:      seenAt,
	})
	if err != nil {
		a.logger.Error("failed to persist sighting", "scanner", advert.ScannerID, "tag", tel.PrivacyID, "error", err)
		a.recordIngestionError(ctx, advert.ScannerID, payload, err)
		return
	}

	a.logger.Debug("ingested advert", "scanner", advert.ScannerID, "tag", tel.PrivacyID, "state", tel.State.String(), "count", sighting.Count)
}

func (a *App) recordIngestionError(ctx context.Context, scannerID string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		ScannerID: scannerID,
		Payload:   truncateString(string(payload), 4096),
		Error:     cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func scannerFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
