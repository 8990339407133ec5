/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityEntry represents an activity record in the user's history
type ActivityEntry struct {
	Id        string          `json:"id"`
	Kind      string          `json:"kind"`
	StakeId   string          `json:"stake_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ClaimResult represents the result of a claim request
type ClaimResult struct {
	Success bool            `json:"success"`
	UserId  string          `json:"user_id,omitempty"`
	StakeId string          `json:"stake_id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Amount  decimal.Decimal `json:"amount,omitempty"`
	Token   string          `json:"token,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DeadLetterEntry represents a dead-lettered operation for operators
type DeadLetterEntry struct {
	Id         string    `json:"id"`
	UserId     string    `json:"user_id"`
	StakeId    string    `json:"stake_id,omitempty"`
	Kind       string    `json:"kind"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	DeadAt     time.Time `json:"dead_at"`
}
