package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/wortley/dechecs/pkg/logging"
)

const (
	maticUCID = "3890"
	quoteURL  = "https://pro-api.coinmarketcap.com/v2/cryptocurrency/quotes/latest?id=" + maticUCID + "&convert=GBP"
)

type quoteResponse struct {
	Data map[string]struct {
		Quote map[string]struct {
			Price float64 `json:"price"`
		} `json:"quote"`
	} `json:"data"`
}

// handleExchangeRate proxies the current MATIC to GBP rate so clients can
// display wagers in fiat.
func (s *server) handleExchangeRate(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, quoteURL, nil)
	if err != nil {
		http.Error(w, "An error occurred while fetching the exchange rate", http.StatusInternalServerError)
		return
	}
	req.Header.Set("X-CMC_PRO_API_KEY", s.config.CmcApiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logging.Error("exchange rate lookup failed", zap.Error(err))
		http.Error(w, "An error occurred while fetching the exchange rate", http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		http.Error(w, "Error fetching exchange rate", resp.StatusCode)
		return
	}

	var quote quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		http.Error(w, "An error occurred while fetching the exchange rate", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]float64{
		"exchange_rate": quote.Data[maticUCID].Quote["GBP"].Price,
	})
}

// handleStats serves usage statistics.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.GamesPlayed(r.Context())
	if err != nil {
		logging.Error("failed to fetch usage stats", zap.Error(err))
		http.Error(w, "An error occurred while fetching usage stats", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"n_games": n})
}
