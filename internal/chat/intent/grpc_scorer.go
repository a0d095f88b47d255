package intent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"shopchat/internal/platform/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// scoreMethod 分類後端的完整方法名
const scoreMethod = "/intent.v1.IntentScorer/Score"

// jsonCodecName gRPC content-subtype，對應 content-type application/grpc+json
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec 分類後端約定使用 JSON 編碼的 gRPC 消息
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

// scoreRequest 分類請求
type scoreRequest struct {
	Text string `json:"text"`
}

// scoreResponse 分類回應
type scoreResponse struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

var (
	conn *grpc.ClientConn
	mu   sync.RWMutex
)

// getConnection 獲取或創建到分類後端的 gRPC 連接（單例模式）
func getConnection() (*grpc.ClientConn, error) {
	mu.RLock()
	if conn != nil {
		mu.RUnlock()
		return conn, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// 再次檢查（雙重檢查鎖定）
	if conn != nil {
		return conn, nil
	}

	cfg := config.Get()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	address := cfg.Classifier.Address
	if address == "" {
		return nil, fmt.Errorf("classifier address not configured")
	}

	var err error
	if cfg.Classifier.TLSEnabled {
		conn, err = dialWithTLS(address, cfg.Classifier.TLSCAFile)
	} else {
		// 開發環境：不使用 TLS
		conn, err = dialInsecure(address)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to classifier at %s: %w", address, err)
	}

	return conn, nil
}

// dialWithTLS 使用 TLS 連接
func dialWithTLS(address, caFile string) (*grpc.ClientConn, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}

		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		tlsConfig.RootCAs = certPool
	}

	return grpc.NewClient(address, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
}

// dialInsecure 不使用 TLS 連接（僅開發環境）
func dialInsecure(address string) (*grpc.ClientConn, error) {
	return grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// CloseConnection 關閉分類後端連接
func CloseConnection() error {
	mu.Lock()
	defer mu.Unlock()

	if conn != nil {
		err := conn.Close()
		conn = nil
		return err
	}
	return nil
}

// GRPCScorer 通過 gRPC 調用外部分類後端
type GRPCScorer struct{}

// NewGRPCScorer 創建新的 gRPC 分類客戶端
func NewGRPCScorer() *GRPCScorer {
	return &GRPCScorer{}
}

// Score 調用分類後端。超時控制由調用方的 context 負責。
func (s *GRPCScorer) Score(ctx context.Context, text string) (string, float64, error) {
	clientConn, err := getConnection()
	if err != nil {
		return "", 0, err
	}

	req := &scoreRequest{Text: text}
	resp := &scoreResponse{}

	err = clientConn.Invoke(ctx, scoreMethod, req, resp, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return "", 0, err
	}

	return resp.Intent, resp.Confidence, nil
}
