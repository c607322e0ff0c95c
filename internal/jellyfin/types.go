/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package jellyfin

import "time"

// RemoteItem is the subset of a Jellyfin item the engine cares about.
type RemoteItem struct {
	ID           string            `json:"Id"`
	Name         string            `json:"Name"`
	Type         string            `json:"Type,omitempty"`
	MediaType    string            `json:"MediaType,omitempty"`
	RunTimeTicks int64             `json:"RunTimeTicks,omitempty"`
	DateCreated  time.Time         `json:"DateCreated,omitempty"`
	DateModified time.Time         `json:"DateModified,omitempty"`
	Etag         string            `json:"Etag,omitempty"`
	ImageTags    map[string]string `json:"ImageTags,omitempty"`
	UserData     *UserData         `json:"UserData,omitempty"`
}

// UserData carries the server-side play state for an item.
type UserData struct {
	PlaybackPositionTicks int64      `json:"PlaybackPositionTicks"`
	PlayCount             int        `json:"PlayCount"`
	Played                bool       `json:"Played"`
	LastPlayedDate        *time.Time `json:"LastPlayedDate,omitempty"`
}

// Library is one user view (a parent-enabled library).
type Library struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	CollectionType string `json:"CollectionType,omitempty"`
}

type itemsResponse struct {
	Items            []RemoteItem `json:"Items"`
	TotalRecordCount int          `json:"TotalRecordCount"`
}

type viewsResponse struct {
	Items []Library `json:"Items"`
}

type authenticateRequest struct {
	Username string `json:"Username"`
	Pw       string `json:"Pw"`
}

type authenticateResponse struct {
	User struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	} `json:"User"`
	AccessToken string `json:"AccessToken"`
}

type progressRequest struct {
	ItemID        string `json:"ItemId"`
	PositionTicks int64  `json:"PositionTicks"`
}
