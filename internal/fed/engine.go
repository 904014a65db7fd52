package fed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
)

const (
	kvInstancePrivateKey = "instance_private_key"
	kvInstancePublicKey  = "instance_public_key"
)

// Engine wires the federation components around one store and one
// outbound client.
type Engine struct {
	Config      *config.Config
	Store       *db.Store
	Client      *ap.Client
	JSONLD      *ap.JSONLD
	Reconciler  *Reconciler
	Resolver    *Resolver
	Publisher   *Publisher
	Dispatcher  *Dispatcher
	Queue       *Queue
	InstanceKey *ap.KeyPair
}

// New builds the engine, loading or minting the instance actor keypair
// that signs resolver fetches.
func New(ctx context.Context, cfg *config.Config, store *db.Store) (*Engine, error) {
	key, err := instanceKey(ctx, store)
	if err != nil {
		return nil, err
	}
	signer := &ap.Signer{KeyID: config.KeyURI(cfg.InstanceActorURI()), Key: key.Private}

	client := ap.NewClient(cfg.OutboundTimeout, cfg.HTTPScheme, cfg.InsecureOutbound())
	ld := ap.NewJSONLD(&http.Client{Timeout: cfg.OutboundTimeout})
	rec := NewReconciler(store)
	resolver := NewResolver(cfg, store, client, ld, rec, signer)
	pub := NewPublisher(cfg, store, resolver)

	return &Engine{
		Config:      cfg,
		Store:       store,
		Client:      client,
		JSONLD:      ld,
		Reconciler:  rec,
		Resolver:    resolver,
		Publisher:   pub,
		Dispatcher:  NewDispatcher(cfg, store, resolver, rec, pub, ld),
		Queue:       NewQueue(cfg, store, client, rec),
		InstanceKey: key,
	}, nil
}

// CreateLocalUser registers a local account with a fresh keypair.
func (e *Engine) CreateLocalUser(ctx context.Context, username, nickname string) (*db.User, error) {
	existing, err := e.Store.UserByHandle(ctx, username, "")
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("username %s is taken", username)
	}

	pair, err := ap.GenerateKeyPair(ap.DefaultKeyBits)
	if err != nil {
		return nil, err
	}
	u := &db.User{
		ID:            uuid.NewString(),
		Username:      username,
		Nickname:      nickname,
		PublicKeyPEM:  pair.PublicPEM,
		PrivateKeyPEM: pair.PrivatePEM,
		CreatedAt:     time.Now(),
	}
	if err := e.Store.InsertUser(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("local user registered", "username", username, "id", u.ID)
	return u, nil
}

func instanceKey(ctx context.Context, store *db.Store) (*ap.KeyPair, error) {
	priv, ok, err := store.GetKV(ctx, kvInstancePrivateKey)
	if err != nil {
		return nil, err
	}
	if ok {
		pub, _, err := store.GetKV(ctx, kvInstancePublicKey)
		if err != nil {
			return nil, err
		}
		return ap.ParseKeyPair(priv, pub)
	}

	slog.Info("minting instance actor keypair")
	pair, err := ap.GenerateKeyPair(ap.DefaultKeyBits)
	if err != nil {
		return nil, err
	}
	if err := store.SetKV(ctx, kvInstancePrivateKey, pair.PrivatePEM); err != nil {
		return nil, err
	}
	if err := store.SetKV(ctx, kvInstancePublicKey, pair.PublicPEM); err != nil {
		return nil, err
	}
	return pair, nil
}
