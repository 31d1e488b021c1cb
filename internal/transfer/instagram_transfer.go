package transfer

type InstagramContainerRequest struct {
	ImageURL  string `json:"image_url,omitempty"`
	VideoURL  string `json:"video_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Caption   string `json:"caption"`
}

type InstagramPublishRequest struct {
	CreationID string `json:"creation_id"`
}

type InstagramIDResponse struct {
	ID string `json:"id"`
}

type InstagramRefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}
