package transformer

// Message is the payload published for every valid reading.
type Message struct {
	ConsumptionWatts float64 `json:"consumption_watts"` // rounded to 2 decimals
}
