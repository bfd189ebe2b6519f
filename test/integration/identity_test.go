// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

//go:build integration

package integration

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/oklog/ulid/v2"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gatehouse/gatehouse/internal/cache"
	"github.com/gatehouse/gatehouse/internal/identity"
	identitypg "github.com/gatehouse/gatehouse/internal/identity/postgres"
	"github.com/gatehouse/gatehouse/internal/store"
)

// testEnv holds the resources shared by the identity integration specs.
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	store     *store.Store

	directory     *identity.Directory
	sessions      *identity.SessionService
	transfers     *identity.TransferService
	verifications *identity.VerificationService
	tokens        cache.Cache
}

func setupTestEnv() (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	env := &testEnv{ctx: ctx, cancel: cancel}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("gatehouse_test"),
		postgres.WithUsername("gatehouse"),
		postgres.WithPassword("gatehouse"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}
	_ = migrator.Close()

	env.store, err = store.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	pool := env.store.Pool()
	directoryRepo := identitypg.NewDirectoryRepository(pool)
	sessionRepo := identitypg.NewSessionRepository(pool)
	verificationRepo := identitypg.NewVerificationRepository(pool)

	env.directory, err = identity.NewDirectory(directoryRepo, identity.CryptoShortIDGenerator{})
	if err != nil {
		return nil, err
	}
	env.sessions, err = identity.NewSessionService(sessionRepo, directoryRepo)
	if err != nil {
		return nil, err
	}
	env.tokens = cache.NewMemory()
	env.transfers, err = identity.NewTransferService(env.tokens)
	if err != nil {
		return nil, err
	}
	env.verifications, err = identity.NewVerificationService(verificationRepo, time.Hour)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (env *testEnv) teardown() {
	if env.tokens != nil {
		_ = env.tokens.Close()
	}
	if env.store != nil {
		env.store.Close()
	}
	if env.container != nil {
		_ = env.container.Terminate(context.Background())
	}
	env.cancel()
}

func (env *testEnv) activeSessionCount(playerID ulid.ULID) int {
	var count int
	err := env.store.Pool().QueryRow(env.ctx,
		"SELECT count(*) FROM sessions WHERE player_id = $1 AND revoked_at IS NULL",
		playerID.String()).Scan(&count)
	Expect(err).NotTo(HaveOccurred())
	return count
}

func (env *testEnv) playerExists(playerID ulid.ULID) bool {
	var count int
	err := env.store.Pool().QueryRow(env.ctx,
		"SELECT count(*) FROM players WHERE player_id = $1",
		playerID.String()).Scan(&count)
	Expect(err).NotTo(HaveOccurred())
	return count > 0
}

var _ = Describe("Identity", Ordered, func() {
	var env *testEnv

	BeforeAll(func() {
		var err error
		env, err = setupTestEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		env.teardown()
	})

	newContext := func() *identity.Context {
		c, err := env.directory.Ensure(env.ctx, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	Describe("single active session per player", func() {
		It("keeps exactly one active session across concurrent logins", func() {
			c := newContext()

			const attempts = 16
			var wg sync.WaitGroup
			wg.Add(attempts)
			for range attempts {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := env.sessions.CreateOrReplace(env.ctx, c.Player.ID, c.Device.ID, time.Hour)
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(env.activeSessionCount(c.Player.ID)).To(Equal(1))
		})

		It("revokes the previous session on replace", func() {
			c := newContext()

			first, err := env.sessions.CreateOrReplace(env.ctx, c.Player.ID, c.Device.ID, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			second, err := env.sessions.CreateOrReplace(env.ctx, c.Player.ID, c.Device.ID, time.Hour)
			Expect(err).NotTo(HaveOccurred())

			valid, err := env.sessions.Validate(env.ctx, c.Player.ID, first.ID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(valid).To(BeFalse())

			valid, err = env.sessions.Validate(env.ctx, c.Player.ID, second.ID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(valid).To(BeTrue())
		})
	})

	Describe("merge by email claim", func() {
		It("merges the claiming player into the email owner", func() {
			owner := newContext()
			_, err := env.directory.AttachEmail(env.ctx, owner, "merge-owner@example.com")
			Expect(err).NotTo(HaveOccurred())

			claimer := newContext()
			claimerSession, err := env.sessions.CreateOrReplace(env.ctx, claimer.Player.ID, claimer.Device.ID, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			loserID := claimer.Player.ID

			merged, err := env.directory.AttachEmail(env.ctx, claimer, "merge-owner@example.com")
			Expect(err).NotTo(HaveOccurred())

			Expect(merged.Player.ID).To(Equal(owner.Player.ID))
			Expect(merged.Device.ID).To(Equal(claimer.Device.ID))
			Expect(env.playerExists(loserID)).To(BeFalse())

			// The loser's session went down with the row.
			valid, err := env.sessions.Validate(env.ctx, merged.Player.ID, claimerSession.ID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(valid).To(BeFalse())
		})

		It("survives two players claiming the same email concurrently", func() {
			a := newContext()
			b := newContext()

			var wg sync.WaitGroup
			wg.Add(2)
			claim := func(c *identity.Context) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := env.directory.AttachEmail(env.ctx, c, "contested@example.com")
				Expect(err).NotTo(HaveOccurred())
			}
			go claim(a)
			go claim(b)
			wg.Wait()

			// Exactly one player remains with the email.
			var count int
			err := env.store.Pool().QueryRow(env.ctx,
				"SELECT count(*) FROM players WHERE email = $1", "contested@example.com").Scan(&count)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))
		})
	})

	Describe("short-code bind", func() {
		It("re-points the device and merges the old player", func() {
			target := newContext()
			visitor := newContext()
			visitorPlayerID := visitor.Player.ID

			bound, err := env.directory.BindDevice(env.ctx, visitor, target.Player.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(bound.Player.ID).To(Equal(target.Player.ID))
			Expect(env.playerExists(visitorPlayerID)).To(BeFalse())

			device, err := identitypg.NewDirectoryRepository(env.store.Pool()).GetDevice(env.ctx, visitor.Device.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(device.PlayerID).To(Equal(target.Player.ID))
		})
	})

	Describe("email verification", func() {
		It("confirms exactly once and records the verified email", func() {
			c := newContext()
			token, _, err := env.verifications.Create(env.ctx, c.Player.ID, "verify-me@example.com")
			Expect(err).NotTo(HaveOccurred())

			outcome, err := env.verifications.Confirm(env.ctx, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(identity.ConfirmSuccess))

			player, err := identitypg.NewDirectoryRepository(env.store.Pool()).GetPlayer(env.ctx, c.Player.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(player.Email).NotTo(BeNil())
			Expect(*player.Email).To(Equal("verify-me@example.com"))
			Expect(player.EmailVerifiedAt).NotTo(BeNil())

			outcome, err = env.verifications.Confirm(env.ctx, token)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(identity.ConfirmNotFound))
		})

		It("supersedes a pending verification for the same player", func() {
			c := newContext()
			oldToken, _, err := env.verifications.Create(env.ctx, c.Player.ID, "first@example.com")
			Expect(err).NotTo(HaveOccurred())
			newToken, _, err := env.verifications.Create(env.ctx, c.Player.ID, "second@example.com")
			Expect(err).NotTo(HaveOccurred())

			outcome, err := env.verifications.Confirm(env.ctx, oldToken)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(identity.ConfirmNotFound))

			outcome, err = env.verifications.Confirm(env.ctx, newToken)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(identity.ConfirmSuccess))
		})
	})

	Describe("transfer tokens", func() {
		It("hands the token's player to exactly one consumer", func() {
			c := newContext()
			token, err := env.transfers.CreateToken(env.ctx, c.Player.ID, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			const consumers = 8
			var wg sync.WaitGroup
			wg.Add(consumers)
			won := make(chan ulid.ULID, consumers)
			for range consumers {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					playerID, err := env.transfers.ConsumeToken(env.ctx, token)
					Expect(err).NotTo(HaveOccurred())
					if playerID != nil {
						won <- *playerID
					}
				}()
			}
			wg.Wait()
			close(won)

			var winners []ulid.ULID
			for id := range won {
				winners = append(winners, id)
			}
			Expect(winners).To(HaveLen(1))
			Expect(winners[0]).To(Equal(c.Player.ID))
		})
	})
})
