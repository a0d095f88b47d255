package httputil

// API 錯誤代碼常數.
const (
	// 1000-1999: 認證相關錯誤 (401 Unauthorized).
	ErrorCodeMissingIdentity = 1001
	ErrorCodeInvalidIdentity = 1002

	// 2000-2999: 參數相關錯誤 (400 Bad Request).
	ErrorCodeInvalidParameter = 2001

	// 3000-3999: 權限相關錯誤 (403 Forbidden).
	ErrorCodeNotAMember = 3001

	// 4000-4999: 資源相關錯誤 (404 Not Found).
	ErrorCodeRecordNotFound = 4001

	// 5000-5999: 處理相關錯誤 (500 Internal Server Error).
	ErrorCodeProcessingFailed = 5001

	// 6000-6999: 依賴服務相關錯誤 (503 Service Unavailable).
	ErrorCodeNoAgentAvailable = 6001
)
