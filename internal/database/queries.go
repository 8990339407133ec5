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

package database

const (
	// Stake queries
	queryGetStakesByUser = `
		SELECT id, user_id, principal, base_daily_rate, created_at, last_payout_at, active,
		       cumulative_confirmed_earned, cycle_progress, cycle_completed,
		       observed_unclaimed, observed_at, version, updated_at
		FROM stakes
		WHERE user_id = ?
		ORDER BY created_at, id`

	queryGetStakeById = `
		SELECT id, user_id, principal, base_daily_rate, created_at, last_payout_at, active,
		       cumulative_confirmed_earned, cycle_progress, cycle_completed,
		       observed_unclaimed, observed_at, version, updated_at
		FROM stakes
		WHERE id = ?`

	queryInsertStake = `
		INSERT INTO stakes (id, user_id, principal, base_daily_rate, created_at, last_payout_at, active,
		                    cumulative_confirmed_earned, cycle_progress, cycle_completed,
		                    observed_unclaimed, observed_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '0', 0, 1, ?)`

	queryUpdateStakeConfirmed = `
		UPDATE stakes
		SET last_payout_at = ?, active = ?, cumulative_confirmed_earned = ?,
		    cycle_progress = ?, cycle_completed = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	queryUpdateStakeObservation = `
		UPDATE stakes
		SET observed_unclaimed = ?, observed_at = ?
		WHERE id = ?`

	// Accrual and sync state queries
	queryUpsertAccrual = `
		INSERT INTO stake_accruals (stake_id, user_id, running_total, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stake_id) DO UPDATE SET running_total = excluded.running_total, updated_at = excluded.updated_at`

	queryGetAccruals = `
		SELECT stake_id, running_total
		FROM stake_accruals
		WHERE user_id = ?`

	queryGetSyncState = `
		SELECT user_id, last_sync_at, active_referrals, updated_at
		FROM user_sync_state
		WHERE user_id = ?`

	queryUpsertSyncState = `
		INSERT INTO user_sync_state (user_id, last_sync_at, active_referrals, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_sync_at = excluded.last_sync_at,
		    active_referrals = excluded.active_referrals, updated_at = excluded.updated_at`

	// Sync queue queries
	queryInsertOperation = `
		INSERT OR IGNORE INTO sync_queue (id, user_id, stake_id, kind, payload, created_at,
		                                  retry_count, max_retries, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryDeletePendingRefreshes = `
		DELETE FROM sync_queue
		WHERE user_id = ? AND kind = 'user_refresh'`

	queryGetOperation = `
		SELECT seq, id, user_id, stake_id, kind, payload, created_at,
		       retry_count, max_retries, next_attempt_at, last_error
		FROM sync_queue
		WHERE id = ?`

	queryGetPendingOperations = `
		SELECT seq, id, user_id, stake_id, kind, payload, created_at,
		       retry_count, max_retries, next_attempt_at, last_error
		FROM sync_queue
		WHERE user_id = ?
		ORDER BY created_at, seq`

	queryGetQueueUsers = `
		SELECT DISTINCT user_id FROM sync_queue ORDER BY user_id`

	queryUpdateOperationRetry = `
		UPDATE sync_queue
		SET retry_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`

	queryDeleteOperation = `
		DELETE FROM sync_queue WHERE id = ?`

	queryInsertDeadLetter = `
		INSERT OR REPLACE INTO dead_letters (id, user_id, stake_id, kind, payload, created_at,
		                                     retry_count, max_retries, last_error, reason, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetDeadLetters = `
		SELECT id, user_id, stake_id, kind, payload, created_at,
		       retry_count, max_retries, last_error, reason, dead_at
		FROM dead_letters
		WHERE user_id = ?
		ORDER BY dead_at`

	queryGetAllDeadLetters = `
		SELECT id, user_id, stake_id, kind, payload, created_at,
		       retry_count, max_retries, last_error, reason, dead_at
		FROM dead_letters
		ORDER BY dead_at`

	queryGetDeadLetter = `
		SELECT id, user_id, stake_id, kind, payload, created_at,
		       retry_count, max_retries, last_error, reason, dead_at
		FROM dead_letters
		WHERE id = ?`

	queryDeleteDeadLetter = `
		DELETE FROM dead_letters WHERE id = ?`

	// Activity queries
	queryInsertActivity = `
		INSERT INTO activity_records (id, user_id, stake_id, kind, amount, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryInsertActivityIgnore = `
		INSERT OR IGNORE INTO activity_records (id, user_id, stake_id, kind, amount, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryFindActivityByReference = `
		SELECT id, user_id, stake_id, kind, amount, reference, created_at
		FROM activity_records
		WHERE reference = ?
		ORDER BY created_at
		LIMIT 1`

	queryGetActivityHistory = `
		SELECT id, user_id, stake_id, kind, amount, reference, created_at
		FROM activity_records
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`
)
