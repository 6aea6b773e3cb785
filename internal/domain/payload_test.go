package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCanBroadcast(t *testing.T) {
	assert.False(t, CanBroadcast(Sender{ID: uuid.New(), Role: RoleCustomer}))
	assert.False(t, CanBroadcast(Sender{ID: uuid.New(), Role: RoleCourier}))
	assert.True(t, CanBroadcast(Sender{ID: uuid.New(), Role: RoleManager}))
	assert.True(t, CanBroadcast(Sender{ID: uuid.New(), Role: RoleAdmin}))
}

func TestCanNotify_SelfAlwaysAllowed(t *testing.T) {
	self := uuid.New()
	assert.True(t, CanNotify(Sender{ID: self, Role: RoleCustomer}, self))
}

func TestCanNotify_OtherRequiresElevatedRole(t *testing.T) {
	target := uuid.New()
	assert.False(t, CanNotify(Sender{ID: uuid.New(), Role: RoleCustomer}, target))
	assert.False(t, CanNotify(Sender{ID: uuid.New(), Role: RoleCourier}, target))
	assert.True(t, CanNotify(Sender{ID: uuid.New(), Role: RoleManager}, target))
	assert.True(t, CanNotify(Sender{ID: uuid.New(), Role: RoleAdmin}, target))
}

func TestPayloadValidate(t *testing.T) {
	valid := Payload{Type: "order_update", Title: "Order ready", Message: "Your order is ready"}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		payload Payload
	}{
		{"empty type", Payload{Title: "t", Message: "m"}},
		{"empty title", Payload{Type: "x", Message: "m"}},
		{"title too long", Payload{Type: "x", Title: strings.Repeat("a", 201)}},
		{"message too long", Payload{Type: "x", Title: "t", Message: strings.Repeat("a", 2001)}},
		{"invalid data", Payload{Type: "x", Title: "t", Data: json.RawMessage(`{"broken"`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.payload.Validate())
		})
	}
}

func TestValidChannel(t *testing.T) {
	assert.True(t, ValidChannel("orders"))
	assert.False(t, ValidChannel(""))
	assert.False(t, ValidChannel("   "))
	assert.False(t, ValidChannel(strings.Repeat("c", 101)))
}

func TestNotificationStatusValid(t *testing.T) {
	assert.True(t, StatusUnread.Valid())
	assert.True(t, StatusRead.Valid())
	assert.True(t, StatusArchived.Valid())
	assert.False(t, NotificationStatus("DELETED").Valid())
}
