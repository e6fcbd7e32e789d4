package types

// Request and response bodies of the control surface. Field names are a
// fixed external contract; callers depend on them verbatim.

type RequestCreateDevice struct {
	DeviceID    string `json:"deviceId"`
	ExternalURL string `json:"externalUrl"`
	ExternalKey string `json:"externalKey"`
}

type RequestSendMessage struct {
	DeviceID string `json:"deviceId"`
	To       string `json:"to"`
	Message  string `json:"message"`
}

type ResponseIndex struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	ActiveConnections int    `json:"activeConnections"`
}

type ResponseCreateDevice struct {
	Success      bool   `json:"success"`
	DeviceID     string `json:"deviceId"`
	WaitingForQR bool   `json:"waitingForQR"`
}

type ResponseQR struct {
	QRCode string `json:"qrCode"`
}

type ResponseSuccess struct {
	Success bool `json:"success"`
}

type ResponseStatus struct {
	Connected bool   `json:"connected"`
	HasQR     bool   `json:"hasQR"`
	Battery   int    `json:"battery"`
	Phone     string `json:"phone"`
}

type ResponseSync struct {
	Success bool   `json:"success"`
	Phone   string `json:"phone"`
	Battery int    `json:"battery"`
	Status  string `json:"status"`
}
