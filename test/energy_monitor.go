package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const topic = "house/energy"

// EnergyData is the message the bridge publishes.
type EnergyData struct {
	ConsumptionWatts float64 `json:"consumption_watts"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "user", "MQTT username")
	password := flag.String("password", "password", "MQTT password")
	mode := flag.String("mode", envOr("EFERGY_TEST_MODE", "monitor"), "run mode: monitor, publish or decoder")
	interval := flag.Duration("interval", 6*time.Second, "delay between simulated readings")
	flag.Parse()

	switch *mode {
	case "decoder":
		// Stands in for EfergyRPI_log, which is started without arguments:
		// set EFERGY_TEST_MODE=decoder and point decoder.binary here.
		go io.Copy(io.Discard, os.Stdin) //nolint:errcheck
		runDecoder(os.Stdout, *interval)
		return
	case "monitor", "publish":
	default:
		fmt.Println("unknown mode, use monitor, publish or decoder")
		os.Exit(1)
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("efergy-test-%d", time.Now().Unix()))
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("connecting to MQTT broker failed: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	if *mode == "publish" {
		publishReading(client)
		client.Disconnect(250)
		return
	}

	monitor(client)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// monitor prints every reading published on the energy topic until
// interrupted.
func monitor(client paho.Client) {
	token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		var data EnergyData
		if err := json.Unmarshal(msg.Payload(), &data); err != nil {
			fmt.Printf("unexpected payload on %s: %s\n", msg.Topic(), msg.Payload())
			return
		}
		fmt.Printf("[%s] %.2f W\n", time.Now().Format("15:04:05"), data.ConsumptionWatts)
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("subscribing to %s failed: %v\n", topic, token.Error())
		os.Exit(1)
	}
	fmt.Printf("listening on %s\n", topic)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}

// publishReading sends one random reading, bypassing the bridge.
func publishReading(client paho.Client) {
	data := EnergyData{ConsumptionWatts: float64(int((200+rand.Float64()*3000)*100)) / 100}

	jsonData, err := json.Marshal(data)
	if err != nil {
		fmt.Printf("encoding reading failed: %v\n", err)
		return
	}

	token := client.Publish(topic, 0, false, jsonData)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("publishing failed: %v\n", token.Error())
		return
	}
	fmt.Printf("published: %s\n", jsonData)
}

// runDecoder writes lines in the decoder's "%x,%X,%f" format forever,
// mixing in the noise a real receiver produces.
func runDecoder(w io.Writer, interval time.Duration) {
	out := bufio.NewWriter(w)
	for i := 0; ; i++ {
		stamp := time.Now().Format("01/02/06,15:04:05")
		switch {
		case i%10 == 9:
			fmt.Fprintln(out, "Checksum/CEC Error.  Enable debug output with -d option")
		case i%7 == 6:
			fmt.Fprintf(out, "%s,%f\n", stamp, 15000+rand.Float64()*5000)
		default:
			fmt.Fprintf(out, "%s,%f\n", stamp, 200+rand.Float64()*3000)
		}
		if err := out.Flush(); err != nil {
			return
		}
		time.Sleep(interval)
	}
}
