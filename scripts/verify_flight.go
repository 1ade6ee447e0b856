//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-egnn/internal/client"
	"github.com/23skdu/longbow-egnn/internal/predict"
	"github.com/23skdu/longbow-egnn/internal/predict/model"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to EGNN Flight Server")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	structs, err := predict.GenerateStructures(6, 1, model.DefaultCutoff)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate structures")
	}
	log.Info().Int("count", len(structs)).Msg("Sending structures")

	start := time.Now()
	preds, err := c.Predict(context.Background(), structs)
	if err != nil {
		log.Fatal().Err(err).Msg("Predict failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Received predictions")

	for i, p := range preds {
		if p.ID != structs[i].ID {
			log.Fatal().Int("index", i).Str("got", p.ID).Str("expected", structs[i].ID).Msg("Order mismatch")
		}
		if p.Err != "" {
			log.Fatal().Str("id", p.ID).Str("err", p.Err).Msg("Structure failed")
		}
		for _, v := range p.Values {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				log.Fatal().Str("id", p.ID).Msg("Non-finite prediction")
			}
		}
		log.Info().Str("id", p.ID).Interface("values", p.Values).Msg("Prediction valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
