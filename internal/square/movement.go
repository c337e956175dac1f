package square

import (
	"time"

	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/wire"
)

// Vec3 is a position or direction in stage space.
type Vec3 struct {
	X, Y, Z float32
}

// Movement directions sent by the client, numpad layout.
const (
	dirNorthwest = 1
	dirNorth     = 2
	dirNortheast = 3
	dirWest      = 4
	dirEast      = 6
	dirSouthwest = 7
	dirSouth     = 8
	dirSoutheast = 9
)

// directionAngles maps a movement direction to a unit-ish facing vector.
var directionAngles = [9]Vec3{
	{-0.707099974155426, 0, -0.707099974155426},
	{0, 0, -1},
	{0.707099974155426, 0, -0.707099974155426},
	{-1, 0, 0},
	{0, 0, 0},
	{1, 0, 0},
	{-0.707099974155426, 0, 0.707099974155426},
	{0, 0, 1},
	{0.707099974155426, 0, 0.707099974155426},
}

// startMovement begins or redirects dead-reckoned movement. Changing
// direction mid-run settles the position covered so far first.
func (p *PlayerSession) startMovement(dir uint8) {
	if dir < 1 || dir > 9 {
		return
	}
	if p.moving {
		if p.moveDir != dir {
			p.calculatePosition()
		}
	} else {
		p.moving = true
	}

	p.moveStart = time.Now()
	p.moveDir = dir
	p.direction = directionAngles[dir-1]
	p.setAction(protocol.ActRun)
}

// stopMovement settles the final position and broadcasts the idle pose.
func (p *PlayerSession) stopMovement() {
	p.moving = false
	p.calculatePosition()
	p.setAction(protocol.ActIdle)
}

// calculatePosition advances the position by the distance covered since
// movement started: one unit per 30 ms, diagonals scaled down by 1.5.
func (p *PlayerSession) calculatePosition() {
	distance := float32(time.Since(p.moveStart).Milliseconds() / 30)
	if distance <= 0 {
		return
	}
	diagonal := distance / 1.5

	switch p.moveDir {
	case dirNorthwest:
		p.position.X -= diagonal
		p.position.Z += diagonal
	case dirNorth:
		p.position.Z += distance
	case dirNortheast:
		p.position.X += diagonal
		p.position.Z += diagonal
	case dirWest:
		p.position.X -= distance
	case dirEast:
		p.position.X += distance
	case dirSouthwest:
		p.position.X -= diagonal
		p.position.Z -= diagonal
	case dirSouth:
		p.position.Z -= distance
	case dirSoutheast:
		p.position.X += diagonal
		p.position.Z -= diagonal
	}
}

// setAction broadcasts the character's pose and position to the stage.
func (p *PlayerSession) setAction(action uint32) {
	if p.stage == nil || p.character == nil {
		return
	}
	body := &wire.Buffer{}
	body.WriteUint32(p.character.ID)
	body.WriteUint32(action)
	body.WriteFloat32(p.position.X)
	body.WriteFloat32(p.position.Y)
	body.WriteFloat32(p.position.Z)
	body.WriteFloat32(p.direction.X)
	body.WriteFloat32(p.direction.Y)
	body.WriteFloat32(p.direction.Z)
	body.WriteFloat32(0)
	p.stage.Broadcast(protocol.MsgSetAction, body, -1)
}
