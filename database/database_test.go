package database

import (
	"context"
	"testing"
)

func testChannels(t *testing.T, db Database) {
	ctx := context.Background()

	net := &Network{User: "alice", Name: "libera"}
	if err := db.StoreNetwork(ctx, net); err != nil {
		t.Fatalf("StoreNetwork() failed: %v", err)
	}
	if net.ID == 0 {
		t.Fatalf("StoreNetwork() didn't set the network ID")
	}

	// Storing the same identity again yields the same row
	again := &Network{User: "alice", Name: "libera"}
	if err := db.StoreNetwork(ctx, again); err != nil {
		t.Fatalf("StoreNetwork() failed: %v", err)
	}
	if again.ID != net.ID {
		t.Errorf("StoreNetwork() = ID %v, but want %v", again.ID, net.ID)
	}

	test := &Channel{Name: "#test"}
	secret := &Channel{Name: "#secret", Key: "hunter2"}
	for _, ch := range []*Channel{test, secret} {
		if err := db.StoreChannel(ctx, net.ID, ch); err != nil {
			t.Fatalf("StoreChannel(%q) failed: %v", ch.Name, err)
		}
	}

	test.Key = "newkey"
	if err := db.StoreChannel(ctx, net.ID, test); err != nil {
		t.Fatalf("StoreChannel() update failed: %v", err)
	}

	channels, err := db.ListChannels(ctx, net.ID)
	if err != nil {
		t.Fatalf("ListChannels() failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("ListChannels() returned %v channels, but want 2", len(channels))
	}
	for _, ch := range channels {
		switch ch.Name {
		case "#test":
			if ch.Key != "newkey" {
				t.Errorf("#test key = %q, but want %q", ch.Key, "newkey")
			}
		case "#secret":
			if ch.Key != "hunter2" {
				t.Errorf("#secret key = %q, but want %q", ch.Key, "hunter2")
			}
		default:
			t.Errorf("unexpected channel %q", ch.Name)
		}
	}

	if err := db.DeleteChannel(ctx, secret.ID); err != nil {
		t.Fatalf("DeleteChannel() failed: %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Networks != 1 || stats.Channels != 1 {
		t.Errorf("Stats() = %+v, but want 1 network and 1 channel", stats)
	}

	networks, err := db.ListNetworks(ctx, "alice")
	if err != nil {
		t.Fatalf("ListNetworks() failed: %v", err)
	}
	if len(networks) != 1 || networks[0].Name != "libera" {
		t.Errorf("ListNetworks() = %+v", networks)
	}

	if err := db.DeleteNetwork(ctx, net.ID); err != nil {
		t.Fatalf("DeleteNetwork() failed: %v", err)
	}
	channels, err = db.ListChannels(ctx, net.ID)
	if err != nil {
		t.Fatalf("ListChannels() failed: %v", err)
	}
	if len(channels) != 0 {
		t.Errorf("ListChannels() after DeleteNetwork() returned %v channels", len(channels))
	}
}
