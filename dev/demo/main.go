package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/slacklite/relay/bridge"
	"github.com/slacklite/relay/model"
)

// The demo producer mocks the REST gateway: it publishes accepted chat
// operations to kafka for the relay to consume.

const (
	kafkaTopic        = "slacklite-ops"
	opPayloadMaxBytes = 8192
)

var (
	kafkaEndpoints = flag.String("kafka-endpoints", "127.0.0.1:9092", "kafka endpoints, ',' delimitted.")
	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
	channelID      = flag.String("channel-id", "demo-channel", "channel to chat into")
)

func main() {
	flag.Parse()

	if len(*kafkaEndpoints) == 0 {
		panic("--kafka-endpoints is required.")
	}

	endpoints := strings.Split(*kafkaEndpoints, ",")

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  endpoints,
		Topic:    kafkaTopic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	// kafka-topics.sh --bootstrap-server localhost:9092 --topic slacklite-ops --create
	// kafka-topics.sh --bootstrap-server localhost:9092 --topic slacklite-ops --delete

	users := []string{"alice", "bob"}
	for _, uid := range users {
		op := &bridge.Op{
			UID:  uid,
			Join: &bridge.MembershipOp{ChannelID: *channelID},
		}
		if err := bridge.PublishOp(context.Background(), w, op, opPayloadMaxBytes); err != nil {
			panic(err)
		}
	}

	var i int
	for range ticker.C {
		uid := users[i%len(users)]
		op := &bridge.Op{
			UID:      uid,
			Username: uid,
			Send: &model.SendReq{
				Content:   fmt.Sprintf("hello #%d", i),
				ChannelID: *channelID,
			},
		}

		if err := bridge.PublishOp(context.Background(), w, op, opPayloadMaxBytes); err != nil {
			fmt.Printf("error publish op: %v\n", err)
		} else {
			fmt.Printf("published op #%d from %s\n", i, uid)
		}
		i++
	}
}
