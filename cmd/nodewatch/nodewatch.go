// Command nodewatch prints the status and log messages of a sensor node and can
// publish a value to one of its mqtt_toggle queues.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mattn/go-colorable"
	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetOutput(colorable.NewColorableStdout())
}

func main() {
	pBroker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URI")
	pNode := flag.String("node", "", "node identifier")
	pUsername := flag.String("username", "", "(optional) user name for MQTT broker access")
	pPassword := flag.String("password", "", "(optional) password for MQTT broker access")
	pPublish := flag.String("publish", "", "(optional) topic=value to publish before watching")

	flag.Parse()

	if len(*pNode) == 0 {
		fmt.Fprintln(os.Stderr, "-node is required")
		os.Exit(2)
	}

	choke := make(chan [2]string, 16)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*pBroker)
	opts.SetClientID("nodewatch-" + uuid.NewString())
	opts.SetUsername(*pUsername)
	opts.SetPassword(*pPassword)
	opts.SetCleanSession(true)
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		choke <- [2]string{msg.Topic(), string(msg.Payload())}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("Error connecting to MQTT broker %s: %v", *pBroker, token.Error())
	}
	defer client.Disconnect(250)

	if topic, value, ok := strings.Cut(*pPublish, "="); ok {
		if token := client.Publish(topic, 1, false, value); token.Wait() && token.Error() != nil {
			log.Errorf("Error publishing to [%s]: %v", topic, token.Error())
		} else {
			log.Infof("Published [%s] %s", topic, value)
		}
	}

	prefix := fmt.Sprintf("iot-devices/%s/", *pNode)
	filters := map[string]byte{prefix + "status/": 1, prefix + "logs": 0}
	if token := client.SubscribeMultiple(filters, nil); token.Wait() && token.Error() != nil {
		log.Fatalf("Error subscribing to node topics: %v", token.Error())
	}
	log.Infof("Watching %s", *pNode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case m := <-choke:
			if strings.HasSuffix(m[0], "/logs") {
				fmt.Printf("log    %s\n", m[1])
			} else {
				fmt.Printf("status %s\n", m[1])
			}
		case <-sig:
			return
		}
	}
}
