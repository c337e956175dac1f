package square

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// NPCSpawn is one NPC placed on the hub stage when a player loads in.
type NPCSpawn struct {
	ID        uint32
	Position  Vec3
	Direction Vec3
}

// LoadNPCSpawns reads a spawn list, one NPC per line as
// "id,px,py,pz,dx,dy,dz". Blank lines and lines starting with ';' or '#'
// are skipped.
func LoadNPCSpawns(path string) ([]NPCSpawn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("square: open npc file: %w", err)
	}
	defer f.Close()

	var spawns []NPCSpawn
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == ';' || text[0] == '#' {
			continue
		}

		var npc NPCSpawn
		_, err := fmt.Sscanf(text, "%d,%f,%f,%f,%f,%f,%f", &npc.ID,
			&npc.Position.X, &npc.Position.Y, &npc.Position.Z,
			&npc.Direction.X, &npc.Direction.Y, &npc.Direction.Z)
		if err != nil {
			return nil, fmt.Errorf("square: npc file line %d: %w", line, err)
		}
		spawns = append(spawns, npc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("square: read npc file: %w", err)
	}
	return spawns, nil
}

// defaultNPCSpawns is the stock square population, used when no spawn
// file is configured.
var defaultNPCSpawns = []NPCSpawn{
	{37188954, Vec3{937.32, 0, 801.83}, Vec3{-1, 0, -1}},
	{17702352, Vec3{641.55, 0, 758.76}, Vec3{1, 0, -1}},
	{40882796, Vec3{946.06, 0, 683.97}, Vec3{-1, 0, -1}},
	{40997206, Vec3{734.80, 0, 898.42}, Vec3{0, 0, -1}},
	{1458109, Vec3{644.21, 0, 901.33}, Vec3{1, 0, -1}},
	{17510463, Vec3{644.60, 0, 674.94}, Vec3{1, 0, -1}},
	{41727393, Vec3{913.20, 0, 886.68}, Vec3{-1, 0, -1}},
	{39511037, Vec3{768.22, 0, 924.65}, Vec3{1, 0, -1}},
	{49997863, Vec3{546.30, 0, 864.97}, Vec3{1, 0, -1}},
	{17618118, Vec3{844.56, 0, 655.10}, Vec3{-1, 0, -1}},
	{13469290, Vec3{600.00, 0, 644.46}, Vec3{1, 0, -1}},
	{45143948, Vec3{757.21, 0, 660.49}, Vec3{1, 0, -1}},
	{7667169, Vec3{833.83, 0, 924.65}, Vec3{-1, 0, -1}},
	{10698015, Vec3{777.00, 0, 976.03}, Vec3{1, 0, -1}},
	{26619883, Vec3{822.79, 0, 976.03}, Vec3{-1, 0, -1}},
	{31130843, Vec3{583.49, 0, 909.34}, Vec3{1, 0, -1}},
	{15997574, Vec3{894.49, 0, 515.38}, Vec3{1, 0, -1}},
	{18197602, Vec3{866.34, 0, 894.02}, Vec3{0, 0, -1}},
	{29625892, Vec3{711.07, 0, 662.66}, Vec3{0, 0, -1}},
	{29625892, Vec3{895.81, 0, 666.49}, Vec3{0, 0, -1}},
	{29625892, Vec3{850.93, 0, 800.00}, Vec3{0, 0, -1}},
	{11617632, Vec3{820.56, 0, 655.10}, Vec3{0, 0, -1}},
	{63830058, Vec3{687.46, 0, 667.88}, Vec3{0, 0, -1}},
}
