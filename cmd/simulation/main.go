package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/brokage/brokage-api/internal/auth"
	"github.com/brokage/brokage-api/internal/database"
	"github.com/brokage/brokage-api/internal/ledger"
	"github.com/brokage/brokage-api/internal/matching"
	"github.com/brokage/brokage-api/internal/orders"
	"github.com/brokage/brokage-api/internal/saga"
	"github.com/brokage/brokage-api/internal/types"
	"github.com/brokage/brokage-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 100
	numWorkers    = 4
	serverAddress = "http://localhost:8080"
	jwtSecret     = "simulation-secret"
	cancelRate    = 0.15
)

var assetNames = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}

type simAccount struct {
	apiKey    string
	apiSecret string
	customerID string
	role      string
}

var (
	customerAccounts = []simAccount{
		{"customer-one-key", "customer-one-secret", "CUST-001", types.RoleCustomer},
		{"customer-two-key", "customer-two-secret", "CUST-002", types.RoleCustomer},
		{"customer-three-key", "customer-three-secret", "CUST-003", types.RoleCustomer},
	}
	adminAccount = simAccount{"admin-key", "admin-secret", "ADMIN-001", types.RoleAdmin}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the brokerage API
// for one authenticated account.
type simulationClient struct {
	baseURL    string
	authToken  string
	customerID string
	client     *http.Client
	stats      map[string]*routeStats
}

// newSimulationClient authenticates the account and prepares
// performance tracking.
func newSimulationClient(account simAccount, stats map[string]*routeStats) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL:    serverAddress,
		customerID: account.customerID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: stats,
	}

	token, err := sc.authenticate(account)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", account.customerID, err)
	}
	sc.authToken = token

	return sc, nil
}

func newStats() map[string]*routeStats {
	return map[string]*routeStats{
		"auth":    {name: "Authentication"},
		"deposit": {name: "Deposit"},
		"submit":  {name: "Submit Order"},
		"get":     {name: "Get Order"},
		"cancel":  {name: "Cancel Order"},
		"match":   {name: "Match Order"},
	}
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(account simAccount) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    account.apiKey,
		"api_secret": account.apiSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// do issues an authenticated request and decodes the standard response
// envelope into out when non-nil.
func (sc *simulationClient) do(method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		envelope := struct {
			Data interface{} `json:"data"`
		}{Data: out}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
	}

	return resp.StatusCode, nil
}

// deposit credits the customer's ledger with an asset
func (sc *simulationClient) deposit(assetName string, amount decimal.Decimal) error {
	start := time.Now()
	defer func() {
		sc.stats["deposit"].addDuration(time.Since(start))
	}()

	body := map[string]interface{}{
		"customer_id": sc.customerID,
		"asset_name":  assetName,
		"amount":      amount,
	}
	if _, err := sc.do(http.MethodPost, "/api/v1/assets/deposit", body, nil); err != nil {
		sc.stats["deposit"].addFailure()
		return err
	}
	return nil
}

// submitOrder creates a new order and returns its ID and status
func (sc *simulationClient) submitOrder(assetName string, side types.OrderSide, size, price decimal.Decimal) (string, string, error) {
	start := time.Now()
	defer func() {
		sc.stats["submit"].addDuration(time.Since(start))
	}()

	body := map[string]interface{}{
		"asset_name": assetName,
		"order_side": side,
		"order_type": types.TypeLimit,
		"size":       size,
		"price":      price,
	}

	var order struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if _, err := sc.do(http.MethodPost, "/api/v1/orders", body, &order); err != nil {
		sc.stats["submit"].addFailure()
		return "", "", err
	}
	if order.OrderID == "" {
		sc.stats["submit"].addFailure()
		return "", "", fmt.Errorf("no order ID in response")
	}
	return order.OrderID, order.Status, nil
}

// getOrder retrieves the current status of an order
func (sc *simulationClient) getOrder(orderID string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	var order struct {
		Status string `json:"status"`
	}
	if _, err := sc.do(http.MethodGet, "/api/v1/orders/"+orderID, nil, &order); err != nil {
		sc.stats["get"].addFailure()
		return "", err
	}
	return order.Status, nil
}

// cancelOrder aborts an open order
func (sc *simulationClient) cancelOrder(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	if _, err := sc.do(http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil); err != nil {
		sc.stats["cancel"].addFailure()
		return err
	}
	return nil
}

// matchOrder asks the admin endpoint to settle an order against the
// best counter-order. Returns the trade ID when a match was found.
func (sc *simulationClient) matchOrder(orderID string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["match"].addDuration(time.Since(start))
	}()

	var trade struct {
		TradeID string `json:"trade_id"`
	}
	status, err := sc.do(http.MethodPost, "/api/v1/admin/orders/"+orderID+"/match", nil, &trade)
	if err != nil {
		// No counter-order or a lost race is an expected outcome, not a
		// failure of the endpoint.
		if status == http.StatusNotFound || status == http.StatusConflict {
			return "", nil
		}
		sc.stats["match"].addFailure()
		return "", err
	}
	return trade.TradeID, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the brokerage simulation: it starts the API in-process,
// funds a handful of customers, submits random orders from concurrent
// workers, cancels a slice of them, and drives matching as the admin.
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	stats := newStats()

	// Authenticate customers and admin
	customers := make([]*simulationClient, 0, len(customerAccounts))
	for _, account := range customerAccounts {
		client, err := newSimulationClient(account, stats)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize customer client")
		}
		customers = append(customers, client)
	}
	adminClient, err := newSimulationClient(adminAccount, stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize admin client")
	}

	// Fund every customer with cash and instruments so both sides of
	// the book can trade
	for _, customer := range customers {
		if err := customer.deposit(types.CashAsset, decimal.NewFromInt(1_000_000)); err != nil {
			log.Fatal().Err(err).Str("customer_id", customer.customerID).Msg("Failed to deposit cash")
		}
		for _, assetName := range assetNames {
			if err := customer.deposit(assetName, decimal.NewFromInt(1_000)); err != nil {
				log.Fatal().Err(err).Str("customer_id", customer.customerID).Msg("Failed to deposit instrument")
			}
		}
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan string, targetOrders+numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitOrdersHTTP(workerID, targetOrders/numWorkers, customers, ordersChan)
		}(i)
	}

	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}
	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders submitted")

	summary := struct {
		TotalOrders     int
		Rejected        int
		Cancelled       int
		Matched         int
		MatchAttempts   int
		FailedCancels   int
		StartTime       time.Time
		FinalStatuses   map[string]int
	}{
		TotalOrders:   len(orderIDs),
		StartTime:     time.Now(),
		FinalStatuses: make(map[string]int),
	}

	// Cancel a random slice of the open orders
	for _, orderID := range orderIDs {
		if rand.Float64() >= cancelRate {
			continue
		}
		owner := customers[rand.Intn(len(customers))]
		if err := owner.cancelOrder(orderID); err != nil {
			// The random customer may not own the order; that rejection
			// is the authorization model working
			summary.FailedCancels++
			continue
		}
		summary.Cancelled++
		log.Info().Str("order_id", orderID).Msg("Order cancelled")
	}

	// Drive matching as the admin until the book stops producing trades
	for _, orderID := range orderIDs {
		summary.MatchAttempts++
		tradeID, err := adminClient.matchOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Match attempt errored")
			continue
		}
		if tradeID == "" {
			continue
		}
		summary.Matched++
		log.Info().
			Str("order_id", orderID).
			Str("trade_id", tradeID).
			Msg("Orders matched")
	}

	// Collect final statuses
	for _, orderID := range orderIDs {
		for _, customer := range customers {
			status, err := customer.getOrder(orderID)
			if err != nil {
				continue
			}
			summary.FinalStatuses[status]++
			break
		}
	}

	duration := time.Since(summary.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BROKERAGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Statistics
----------------
Total Orders:    %d
Matched Orders:  %d
Cancelled:       %d
Denied Cancels:  %d
Match Attempts:  %d
Duration:        %v

Final Status Distribution
-------------------------
`, summary.TotalOrders, summary.Matched*2, summary.Cancelled,
		summary.FailedCancels, summary.MatchAttempts, duration.Round(time.Millisecond))

	for status, count := range summary.FinalStatuses {
		barLength := int(float64(count) / float64(summary.TotalOrders) * 40)
		fmt.Printf("%-16s: %s (%d)\n", status, strings.Repeat("#", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	printPerformanceStats(stats)
}

// submitOrdersHTTP generates and submits random orders, sending
// accepted order IDs to ordersChan.
func submitOrdersHTTP(workerID, numOrders int, customers []*simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		customer := customers[rand.Intn(len(customers))]
		assetName := assetNames[rand.Intn(len(assetNames))]
		side := types.SideBuy
		if rand.Intn(2) == 1 {
			side = types.SideSell
		}

		// Narrow price band and a single size so counter-orders exist
		size := decimal.NewFromInt(10)
		price := decimal.NewFromInt(int64(100 + rand.Intn(5)))

		orderID, status, err := customer.submitOrder(assetName, side, size, price)
		if err != nil {
			log.Warn().Err(err).
				Int("worker_id", workerID).
				Str("asset_name", assetName).
				Msg("Order submission denied")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("customer_id", customer.customerID).
			Str("asset_name", assetName).
			Str("side", string(side)).
			Str("status", status).
			Msg("Order submitted")

		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
}

// startServer initializes and starts the brokerage API server
// Sets up all required services, handlers and routes
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	for _, account := range customerAccounts {
		authService.RegisterAccount(account.apiKey, account.apiSecret, account.customerID, account.role)
	}
	authService.RegisterAccount(adminAccount.apiKey, adminAccount.apiSecret, adminAccount.customerID, adminAccount.role)

	ledgerService := ledger.NewService(db)
	matchingService := matching.NewService(db)
	sagaOrchestrator := saga.NewOrchestrator(db)
	orderService := orders.NewService(db, ledgerService, matchingService, sagaOrchestrator)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	matchingHandlers := matching.NewGinHandlers(matchingService)
	orderHandlers := orders.NewGinHandlers(orderService)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		assets := v1.Group("/assets")
		assets.Use(middleware.JWTAuth(jwtSecret))
		{
			assets.GET("", ledgerHandlers.GetAssetsHandler())
			assets.POST("/deposit", ledgerHandlers.DepositHandler())
			assets.POST("/withdraw", ledgerHandlers.WithdrawHandler())
		}

		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			orderGroup.POST("", orderHandlers.SubmitOrderHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		market := v1.Group("/market")
		market.Use(middleware.JWTAuth(jwtSecret))
		{
			market.GET("/trades/:asset_name", matchingHandlers.RecentTradesHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(jwtSecret), middleware.AdminOnly())
		{
			admin.POST("/orders/:order_id/match", orderHandlers.MatchOrderHandler())
			admin.GET("/orders/stats", orderHandlers.StatsHandler())
		}
	}

	return router.Run(":8080")
}
