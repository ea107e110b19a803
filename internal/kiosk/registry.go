// Package kiosk manages the fixed pool of kiosk terminals. Occupants are only
// ever set by a queue claim; this package flips kiosks on and off and
// redistributes the queue afterwards.
package kiosk

import (
	"context"
	"log"
	"strconv"

	"kioskqueue/internal/clock"
	"kioskqueue/internal/hub"
	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

// Rebalancer runs an assignment pass
type Rebalancer interface {
	Rebalance(ctx context.Context) ([]*types.BehaviorRequest, error)
}

// Registry implements kiosk activation on top of the store
type Registry struct {
	store    interfaces.KioskStore
	balancer Rebalancer
	bus      interfaces.EventBus
	clock    clock.Clock
}

// NewRegistry creates a new kiosk registry
func NewRegistry(store interfaces.KioskStore, balancer Rebalancer, bus interfaces.EventBus, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		store:    store,
		balancer: balancer,
		bus:      bus,
		clock:    clk,
	}
}

// Provision makes sure kiosks 1..count exist
func (r *Registry) Provision(ctx context.Context, count int) error {
	if err := r.store.EnsureKiosks(ctx, count); err != nil {
		return err
	}
	log.Printf("Provisioned kiosks: count=%d", count)
	return nil
}

// List returns every kiosk in id order
func (r *Registry) List(ctx context.Context) ([]*types.Kiosk, error) {
	return r.store.ListKiosks(ctx)
}

// Get returns one kiosk
func (r *Registry) Get(ctx context.Context, kioskID int) (*types.Kiosk, error) {
	return r.store.GetKiosk(ctx, kioskID)
}

// Activate turns a kiosk on. kioskID 0 picks the lowest inactive kiosk.
func (r *Registry) Activate(ctx context.Context, kioskID int, actor types.Actor) (int, error) {
	if !types.IsStaffRole(actor.Role) {
		return 0, types.ErrRoleNotPermitted
	}

	id, err := r.store.ActivateKiosk(ctx, kioskID, actor.UserID, r.clock.Now())
	if err != nil {
		return 0, err
	}

	hub.Notify(ctx, r.bus, types.TableKiosks, types.OpUpdate, strconv.Itoa(id))
	r.rebalance(ctx, "activate")
	return id, nil
}

// Deactivate turns a kiosk off, clearing its occupant. Its waiting requests are
// redistributed by the pass that follows.
func (r *Registry) Deactivate(ctx context.Context, kioskID int) error {
	if err := r.store.DeactivateKiosk(ctx, kioskID); err != nil {
		return err
	}

	hub.Notify(ctx, r.bus, types.TableKiosks, types.OpUpdate, strconv.Itoa(kioskID))
	r.rebalance(ctx, "deactivate")
	return nil
}

// DeactivateAll turns every kiosk off. Waiting requests become unassigned.
func (r *Registry) DeactivateAll(ctx context.Context) (int, error) {
	n, err := r.store.DeactivateAllKiosks(ctx)
	if err != nil {
		return 0, err
	}

	hub.Notify(ctx, r.bus, types.TableKiosks, types.OpUpdate, "")
	r.rebalance(ctx, "deactivate_all")
	return n, nil
}

func (r *Registry) rebalance(ctx context.Context, cause string) {
	if r.balancer == nil {
		return
	}
	if _, err := r.balancer.Rebalance(ctx); err != nil {
		log.Printf("Warning: assignment pass failed: cause=%s err=%v", cause, err)
		return
	}
	hub.Notify(ctx, r.bus, types.TableBehaviorRequests, types.OpUpdate, "")
}
