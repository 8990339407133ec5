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

package common

import (
	"context"
	"fmt"
	"strings"

	"mining-accrual-go/internal/store"

	"go.uber.org/zap"
)

// InitializeUsers resolves which users a command acts on.
// If usersFilter is provided, it is a comma-separated list of user ids.
// If usersFilter is empty, every user with queued sync work is returned.
func InitializeUsers(ctx context.Context, dbService store.LocalStore, usersFilter string, logger *zap.Logger) ([]string, error) {
	var users []string

	if usersFilter != "" {
		seen := make(map[string]bool)
		for _, id := range strings.Split(usersFilter, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			users = append(users, id)
		}
	} else {
		queued, err := dbService.ListQueueUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list users with queued operations: %w", err)
		}
		users = queued
	}

	logger.Info("Resolved users", zap.Int("count", len(users)))
	return users, nil
}
